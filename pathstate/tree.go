// Package pathstate implements the path-state tree: an ordered prefix
// tree keyed on '/'-separated path components, recording what happened
// to each path during environment assembly (bind-mounted, overlaid,
// a raw system mount, or untouched).
//
// Nodes live in an arena (a slice indexed by integer handle) rather
// than a pointer graph, per the design note this tree is built from:
// each node stores its parent handle and a name-to-handle child map, so
// a whole tree is torn down by simply dropping the arena.
package pathstate

import "strings"

// Disposition records what assembly did to a given path.
type Disposition int

const (
	// Unchanged is the default disposition of every node; such nodes
	// are traversed by Walk (to reach their descendants) but never
	// yielded.
	Unchanged Disposition = iota
	// Ignored marks a path the autoprofile analyser decided to skip.
	Ignored
	// SystemMount marks a path backed by a raw mount(2) of some
	// filesystem type (fstype/device carried in Payload).
	SystemMount
	// BindMounted marks a path bind-mounted from elsewhere.
	BindMounted
	// OverlayMounted marks a path that is the target of an overlay
	// mount; Payload.Upperdir may be empty when the upper is a
	// temporary directory that is not retained.
	OverlayMounted
	// FakeOverlayMounted is reserved for future use: an overlay that
	// was computed but not actually mounted.
	FakeOverlayMounted
)

func (d Disposition) String() string {
	switch d {
	case Unchanged:
		return "unchanged"
	case Ignored:
		return "ignored"
	case SystemMount:
		return "system-mount"
	case BindMounted:
		return "bind-mounted"
	case OverlayMounted:
		return "overlay-mounted"
	case FakeOverlayMounted:
		return "fake-overlay-mounted"
	default:
		return "unknown"
	}
}

// Payload is the per-node auxiliary data associated with a disposition.
type Payload struct {
	// Fstype and Device apply to SystemMount.
	Fstype string
	Device string
	// Upperdir applies to OverlayMounted and FakeOverlayMounted.
	Upperdir string
	// Aux is a free slot for analysis passes (e.g. autoprofile's
	// "ignore if empty" flag) that don't warrant a tree-wide field.
	Aux interface{}
}

// Handle identifies a node within a Tree's arena. The zero Handle
// always refers to the tree's root.
type Handle int

const rootHandle Handle = 0

type node struct {
	parent      Handle
	name        string
	children    map[string]Handle
	disposition Disposition
	payload     Payload
}

// Tree is a path-state tree. The zero value is not usable; use New.
type Tree struct {
	nodes      []node
	rootDir    string
	rootDirSet bool
}

// New creates an empty path-state tree containing just the root node.
func New() *Tree {
	t := &Tree{}
	t.nodes = append(t.nodes, node{
		parent:   rootHandle,
		children: make(map[string]Handle),
	})
	return t
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// Lookup walks path component by component from the root, optionally
// creating missing children, and returns the resulting handle. It
// returns ok=false only when create is false and some component is
// missing.
func (t *Tree) Lookup(path string, create bool) (Handle, bool) {
	h := rootHandle
	for _, name := range splitPath(path) {
		child, ok := t.nodes[h].children[name]
		if !ok {
			if !create {
				return 0, false
			}
			child = Handle(len(t.nodes))
			t.nodes = append(t.nodes, node{
				parent:   h,
				name:     name,
				children: make(map[string]Handle),
			})
			t.nodes[h].children[name] = child
		}
		h = child
	}
	return h, true
}

// Set looks up path (creating it if necessary), clears any prior
// payload, and records the given disposition and payload.
func (t *Tree) Set(path string, disposition Disposition, payload Payload) Handle {
	h, _ := t.Lookup(path, true)
	t.nodes[h].disposition = disposition
	t.nodes[h].payload = payload
	return h
}

// Clear resets path back to Unchanged, dropping its payload. Path is
// created if it did not already exist.
func (t *Tree) Clear(path string) {
	h, _ := t.Lookup(path, true)
	t.nodes[h].disposition = Unchanged
	t.nodes[h].payload = Payload{}
}

// Get returns the disposition and payload recorded at path, and
// whether path exists in the tree at all.
func (t *Tree) Get(path string) (Disposition, Payload, bool) {
	h, ok := t.Lookup(path, false)
	if !ok {
		return Unchanged, Payload{}, false
	}
	return t.nodes[h].disposition, t.nodes[h].payload, true
}

// Path reconstructs the canonical absolute path of h by walking to the
// root.
func (t *Tree) Path(h Handle) string {
	var names []string
	for cur := h; cur != rootHandle; cur = t.nodes[cur].parent {
		names = append(names, t.nodes[cur].name)
	}
	if len(names) == 0 {
		return "/"
	}
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
	return "/" + strings.Join(names, "/")
}

// SetRootDirectory records the physical filesystem root backing this
// assembled tree, distinct from the logical '/' the tree's paths are
// keyed under.
func (t *Tree) SetRootDirectory(root string) {
	t.rootDir = root
	t.rootDirSet = true
}

// RootDirectory returns the physical filesystem root set by
// SetRootDirectory, and whether one was ever set.
func (t *Tree) RootDirectory() (string, bool) {
	return t.rootDir, t.rootDirSet
}

// Entry is one (path, disposition, payload) triple yielded by Walk.
type Entry struct {
	Path        string
	Disposition Disposition
	Payload     Payload

	tree *Tree
	h    Handle
	skip *bool
}

// SkipChildren prevents Walk from descending into the current entry's
// children. It has no effect once the callback returns; it is
// consumed at most once per step.
func (e Entry) SkipChildren() {
	*e.skip = true
}

// Walk performs a pre-order traversal of the tree, invoking fn for
// every node whose disposition is not Unchanged. Unchanged nodes are
// still descended into (so their non-Unchanged descendants are
// reached) but are never passed to fn.
func (t *Tree) Walk(fn func(Entry)) {
	t.walk(rootHandle, fn)
}

func (t *Tree) walk(h Handle, fn func(Entry)) {
	n := &t.nodes[h]
	skip := false
	if n.disposition != Unchanged {
		fn(Entry{
			Path:        t.Path(h),
			Disposition: n.disposition,
			Payload:     n.payload,
			tree:        t,
			h:           h,
			skip:        &skip,
		})
		if skip {
			return
		}
	}
	for _, name := range orderedNames(n.children) {
		t.walk(n.children[name], fn)
	}
}

// orderedNames isn't strictly insertion order (map has no order), but
// node creation order is preserved via the handle values; sort
// children by the handle they were assigned to recover insertion
// order deterministically.
func orderedNames(children map[string]Handle) []string {
	names := make([]string, 0, len(children))
	for name := range children {
		names = append(names, name)
	}
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && children[names[j-1]] > children[names[j]]; j-- {
			names[j-1], names[j] = names[j], names[j-1]
		}
	}
	return names
}
