// Package assemble implements the environment assembler: it walks a
// flattened Environment's layers in order and mutates the current
// mount namespace so the calling process sees the composed view.
package assemble

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/okirch/wormhole/fsops"
	"github.com/okirch/wormhole/internal/trace"
	"github.com/okirch/wormhole/layer"
	"github.com/okirch/wormhole/ociroot"
	"github.com/okirch/wormhole/pathstate"
)

// State is the lifecycle state of one assembly attempt.
type State int

const (
	Configured State = iota
	Assembling
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Configured:
		return "configured"
	case Assembling:
		return "assembling"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Assembler drives one environment through assembly. Its zero value is
// not usable; use New.
type Assembler struct {
	// Runtime resolves Image layers to a mountable root. Required
	// only for environments that actually have an Image layer.
	Runtime ociroot.Runtime
	// ClientPath is the wrapper-client executable bound onto Wormhole
	// directives (spec.md §6 "client-path").
	ClientPath string

	state State
	tree  *pathstate.Tree
	// rootDirectory is set once an Image layer has been resolved;
	// it becomes the destination prefix for every later layer and
	// the chroot target reported to the caller.
	rootDirectory string
}

// New creates an Assembler in the Configured state.
func New(runtime ociroot.Runtime, clientPath string) *Assembler {
	return &Assembler{
		Runtime:    runtime,
		ClientPath: clientPath,
		state:      Configured,
		tree:       pathstate.New(),
	}
}

// State returns the assembler's current lifecycle state.
func (a *Assembler) State() State { return a.state }

// Tree returns the path-state tree recording every mutation assembly
// has performed so far.
func (a *Assembler) Tree() *pathstate.Tree { return a.tree }

// RootDirectory returns the path to chroot into when the bottom layer
// was an Image, and whether one was ever set.
func (a *Assembler) RootDirectory() (string, bool) {
	if a.rootDirectory == "" {
		return "", false
	}
	return a.rootDirectory, true
}

// Assemble applies every layer of env in order. The caller must already
// have created a mount namespace and called fsops.MakeFSPrivate("/")
// before calling Assemble; Assemble itself never forks.
func (a *Assembler) Assemble(env *layer.Environment) error {
	if a.state != Configured {
		return fmt.Errorf("assemble: environment %q: assembler is not in Configured state (got %s)", env.Name, a.state)
	}
	a.state = Assembling

	if err := env.Validate(); err != nil {
		a.state = Failed
		return err
	}

	for i, l := range env.Layers {
		if err := a.applyLayer(env, i, l); err != nil {
			a.state = Failed
			return fmt.Errorf("assemble: environment %q: layer %d: %w", env.Name, i, err)
		}
	}

	a.state = Ready
	return nil
}

// AssembleOnto applies env's KindLayer path directives onto rootDir, a
// filesystem root the caller has already materialized by some other
// means (e.g. the digger's own private copy-on-write overlay). Image
// and Reference layers are skipped: the caller is responsible for
// having resolved those before calling AssembleOnto.
func (a *Assembler) AssembleOnto(env *layer.Environment, rootDir string) error {
	if a.state != Configured {
		return fmt.Errorf("assemble: environment %q: assembler is not in Configured state (got %s)", env.Name, a.state)
	}
	a.state = Assembling
	a.rootDirectory = rootDir
	a.tree.SetRootDirectory(rootDir)

	for i, l := range env.Layers {
		if l.Type != layer.KindLayer {
			continue
		}
		if err := a.applyLayer(env, i, l); err != nil {
			a.state = Failed
			return fmt.Errorf("assemble: environment %q: layer %d: %w", env.Name, i, err)
		}
	}

	a.state = Ready
	return nil
}

// scaffold describes where a layer's path directives read from and
// write to.
type scaffold struct {
	sourcePrefix string
	destPrefix   string
}

func (s scaffold) sourcePath(path string) string {
	return filepath.Join(s.sourcePrefix, path)
}

func (s scaffold) destPath(path string) string {
	return filepath.Join(s.destPrefix, path)
}

// sourcePathInverse strips sourcePrefix back off an expanded glob
// match, recovering the un-prefixed directive path.
func (s scaffold) sourcePathInverse(expanded string) (string, error) {
	rel, err := filepath.Rel(s.sourcePrefix, expanded)
	if err != nil {
		return "", err
	}
	return "/" + rel, nil
}

func (a *Assembler) applyLayer(env *layer.Environment, index int, l layer.Layer) error {
	sc, err := a.resolveScaffold(index, l)
	if err != nil {
		return fmt.Errorf("resolve source root: %w", err)
	}

	for _, pd := range l.Paths {
		if err := a.applyDirective(env, sc, pd); err != nil {
			return fmt.Errorf("directive %s %s: %w", pd.Kind, pd.Path, err)
		}
	}

	if l.Type == layer.KindLayer && l.UseLdconfig {
		if err := a.applyLdconfig(env, sc); err != nil {
			return fmt.Errorf("ldconfig: %w", err)
		}
	}
	return nil
}

func (a *Assembler) resolveScaffold(index int, l layer.Layer) (scaffold, error) {
	destPrefix := a.rootDirectory
	if destPrefix == "" {
		destPrefix = "/"
	}

	switch l.Type {
	case layer.KindImage:
		if index != 0 {
			return scaffold{}, fmt.Errorf("image layer must be layer 0")
		}
		if a.Runtime == nil {
			return scaffold{}, fmt.Errorf("no container runtime configured for image layer %q", l.Image)
		}
		localName := ociroot.LocalName(l.Image)
		exists, err := a.Runtime.ContainerExists(localName)
		if err != nil {
			return scaffold{}, err
		}
		if !exists {
			if err := a.Runtime.ContainerStart(l.Image, localName); err != nil {
				return scaffold{}, err
			}
		}
		root, err := a.Runtime.ContainerMount(localName)
		if err != nil {
			return scaffold{}, err
		}
		a.rootDirectory = root
		a.tree.SetRootDirectory(root)
		return scaffold{sourcePrefix: root, destPrefix: root}, nil

	case layer.KindLayer:
		return scaffold{sourcePrefix: l.Directory, destPrefix: destPrefix}, nil

	default:
		return scaffold{}, fmt.Errorf("unexpected layer type %s (references must be flattened first)", l.Type)
	}
}

func (a *Assembler) applyDirective(env *layer.Environment, sc scaffold, pd layer.PathDirective) error {
	switch pd.Kind {
	case layer.Hide:
		trace.Trace("environment %s: do not know how to hide %s - not implemented", env.Name, pd.Path)
		return nil

	case layer.Bind:
		return a.expandGlob(sc, pd.Path, func(dest, source string) error {
			return a.bindOne(dest, source)
		})

	case layer.BindChildren:
		return a.expandGlob(sc, pd.Path, func(dest, source string) error {
			return a.bindChildren(dest, source)
		})

	case layer.Overlay:
		return a.expandGlob(sc, pd.Path, func(dest, source string) error {
			return a.overlayOne(dest, source)
		})

	case layer.OverlayChildren:
		return a.expandGlob(sc, pd.Path, func(dest, source string) error {
			return a.overlayChildren(dest, source)
		})

	case layer.Mount:
		dest := sc.destPath(pd.Path)
		if err := fsops.Makedirs(dest, 0755); err != nil {
			return err
		}
		if err := fsops.MountVirtualFS(dest, pd.Fstype, pd.Options); err != nil {
			return recoverableOrFatal(err)
		}
		a.tree.Set(dest, pathstate.SystemMount, pathstate.Payload{Fstype: pd.Fstype, Device: pd.Device})
		return nil

	case layer.Wormhole:
		if a.ClientPath == "" {
			return fmt.Errorf("no client path configured for wormhole directive at %s", pd.Path)
		}
		dest := sc.destPath(pd.Path)
		return a.bindOne(dest, a.ClientPath)

	default:
		return fmt.Errorf("unsupported path directive kind %s", pd.Kind)
	}
}

// expandGlob expands pattern (interpreted relative to sc.sourcePrefix)
// and invokes fn once per match with the destination and source paths.
// A pattern with no glob metacharacters matches only itself (GLOB_NOMAGIC
// semantics), so non-glob directives work unchanged.
func (a *Assembler) expandGlob(sc scaffold, pattern string, fn func(dest, source string) error) error {
	full := sc.sourcePath(pattern)

	matches, err := filepath.Glob(full)
	if err != nil {
		return fmt.Errorf("glob %s: %w", full, err)
	}
	if len(matches) == 0 {
		matches = []string{full}
	}

	for _, source := range matches {
		absPath, err := sc.sourcePathInverse(source)
		if err != nil {
			return fmt.Errorf("glob expansion of %s returned strange path %s: %w", full, source, err)
		}
		dest := sc.destPath(absPath)
		if err := fn(dest, source); err != nil {
			return err
		}
	}
	return nil
}

func (a *Assembler) bindOne(dest, source string) error {
	if err := fsops.MountBind(source, dest, true); err != nil {
		return recoverableOrFatal(err)
	}
	a.tree.Set(dest, pathstate.BindMounted, pathstate.Payload{})
	return nil
}

func (a *Assembler) overlayOne(dest, source string) error {
	lower := dest + ":" + source
	if err := fsops.Makedirs(dest, 0755); err != nil {
		return err
	}
	if err := fsops.MountOverlay(lower, "", "", dest); err != nil {
		return recoverableOrFatal(err)
	}
	a.tree.Set(dest, pathstate.OverlayMounted, pathstate.Payload{})
	return nil
}

// bindChildren creates a throw-away overlay at dest (upper/work backed
// by a tempdir-on-tmpfs, so the binds below don't perturb the real
// filesystem), then individually binds each non-dot child of source
// into dest.
func (a *Assembler) bindChildren(dest, source string) error {
	work, cleanup, err := fsops.TempdirOnTmpfs()
	if err != nil {
		return err
	}
	defer cleanup()

	upper := filepath.Join(work, "upper")
	workdir := filepath.Join(work, "work")
	if err := fsops.Makedirs(upper, 0755); err != nil {
		return err
	}
	if err := fsops.Makedirs(workdir, 0755); err != nil {
		return err
	}
	if err := fsops.Makedirs(dest, 0755); err != nil {
		return err
	}
	if err := fsops.MountOverlay(dest, upper, workdir, dest); err != nil {
		return recoverableOrFatal(err)
	}
	a.tree.Set(dest, pathstate.OverlayMounted, pathstate.Payload{Upperdir: upper})

	children, err := os.ReadDir(source)
	if err != nil {
		return fmt.Errorf("read children of %s: %w", source, err)
	}
	for _, child := range children {
		name := child.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		childSource := filepath.Join(source, name)
		childDest := filepath.Join(dest, name)
		if err := ensurePlaceholder(childSource, childDest); err != nil {
			return err
		}
		if err := a.bindOne(childDest, childSource); err != nil {
			return err
		}
	}
	return nil
}

func (a *Assembler) overlayChildren(dest, source string) error {
	children, err := os.ReadDir(source)
	if err != nil {
		return fmt.Errorf("read children of %s: %w", source, err)
	}
	for _, child := range children {
		name := child.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		if err := a.overlayOne(filepath.Join(dest, name), filepath.Join(source, name)); err != nil {
			return err
		}
	}
	return nil
}

func ensurePlaceholder(source, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return nil
	}
	fi, err := os.Stat(source)
	if err == nil && fi.IsDir() {
		return fsops.Makedirs(dest, 0755)
	}
	return fsops.CreateEmpty(dest)
}

// applyLdconfig regenerates (or reuses) a per-layer ld.so.cache and
// binds it over /etc/ld.so.cache in the view, skipping regeneration
// when the layer's cache is already newer than the host's.
func (a *Assembler) applyLdconfig(env *layer.Environment, sc scaffold) error {
	etcDir := sc.sourcePath("/etc")
	if err := fsops.Makedirs(etcDir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", etcDir, err)
	}

	cachePath := filepath.Join(etcDir, "ld.so.cache")
	mask, err := fsops.InodeCompare("/etc/ld.so.cache", cachePath)
	if err != nil {
		return err
	}

	if mask == fsops.MismatchMissing || mask&fsops.FileYounger == 0 {
		trace.Trace2("environment %s: updating ld.so.cache", env.Name)
		cmd := exec.Command("/sbin/ldconfig", "-X", "-C", cachePath)
		if err := cmd.Run(); err != nil {
			trace.Error("environment %s: ldconfig failed: %v", env.Name, err)
		}
	} else {
		trace.Trace2("environment %s: ld.so.cache exists and is recent - not updating it", env.Name)
	}

	return a.bindOne(sc.destPath("/etc/ld.so.cache"), cachePath)
}

// recoverableOrFatal downgrades a permission-denied mount failure to a
// traced skip, matching the spec's "recoverable condition" carve-out
// for user-namespace mode; any other error is fatal.
func recoverableOrFatal(err error) error {
	if errors.Is(err, os.ErrPermission) {
		trace.Trace("skipping directive: %v", err)
		return nil
	}
	return err
}
