// Package layer defines the Layer/Environment data model: path
// directives, the three layer kinds (Layer, Image, Reference),
// capability strings, and Reference flattening.
package layer

import "fmt"

// DirectiveKind is the action a PathDirective performs at assembly
// time.
type DirectiveKind int

const (
	Hide DirectiveKind = iota
	Bind
	BindChildren
	Overlay
	OverlayChildren
	Mount
	Wormhole
)

func (k DirectiveKind) String() string {
	switch k {
	case Hide:
		return "hide"
	case Bind:
		return "bind"
	case BindChildren:
		return "bind-children"
	case Overlay:
		return "overlay"
	case OverlayChildren:
		return "overlay-children"
	case Mount:
		return "mount"
	case Wormhole:
		return "wormhole"
	default:
		return "unknown"
	}
}

// PathDirective is one leaf action a layer applies at some path inside
// the assembled view.
type PathDirective struct {
	Kind DirectiveKind
	// Path is absolute inside the assembled view and may be a glob
	// pattern.
	Path string

	// Fstype, Device, and Options apply to Kind == Mount only.
	Fstype  string
	Device  string
	Options string
}

// Kind discriminates the three flavors of Layer.
type Kind int

const (
	KindLayer Kind = iota
	KindImage
	KindReference
)

func (k Kind) String() string {
	switch k {
	case KindLayer:
		return "layer"
	case KindImage:
		return "image"
	case KindReference:
		return "reference"
	default:
		return "unknown"
	}
}

// Layer is one typed record in an Environment's layer stack.
type Layer struct {
	Type Kind

	// Directory is the host path relative directives resolve under;
	// set when Type == KindLayer.
	Directory string
	// UseLdconfig requests the ldconfig post-step (spec 4.5 step 4);
	// meaningful when Type == KindLayer.
	UseLdconfig bool

	// Image identifies an image resolved via the container-runtime
	// façade; set when Type == KindImage. An Image layer must be the
	// bottom of the stack (index 0).
	Image string

	// LowerLayerName identifies another environment whose layers are
	// spliced in at this position; set when Type == KindReference.
	LowerLayerName string

	// Paths is the ordered sequence of path directives; order is
	// significant, later directives layer on top of earlier ones.
	// Meaningless (and normally empty) for KindReference.
	Paths []PathDirective
}

// Environment is a named stack of layers plus optional capability
// sets.
type Environment struct {
	Name     string
	Layers   []Layer
	Provides []Capability
	Requires []Capability
}

// Validate checks the structural invariants a flattened environment
// must satisfy before assembly: at most one Image layer, and if present
// it must be layer index 0.
func (e *Environment) Validate() error {
	for i, l := range e.Layers {
		if l.Type == KindImage && i != 0 {
			return fmt.Errorf("layer: environment %q: image layer %q must be the bottom of the stack, found at index %d", e.Name, l.Image, i)
		}
	}
	return nil
}
