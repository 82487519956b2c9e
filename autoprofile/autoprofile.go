// Package autoprofile implements the keyword-driven profile language that
// turns an already-captured directory tree (typically the tree/ produced
// by a digger run) into a config environment block: which subdirectories
// get overlaid or bound, which files are expected and ignored, and which
// ones are unexpected and therefore fatal.
//
// It generalizes what the original tool hardcoded per path (/etc, /usr,
// /var, ...) into a declarative list of directives applied in order
// against a path-state tree, followed by a pass that flags anything left
// untouched as a stray file.
package autoprofile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/okirch/wormhole/config"
	"github.com/okirch/wormhole/internal/trace"
	"github.com/okirch/wormhole/layer"
	"github.com/okirch/wormhole/pathstate"
)

// Directive is one parsed "keyword [arg]" line of a profile.
type Directive struct {
	Keyword string
	Arg     string
}

// LoadProfile reads a profile file: one "keyword [arg]" directive per
// line, '#' starts a line comment, blank lines are ignored.
func LoadProfile(path string) ([]Directive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("autoprofile: open profile %s: %w", path, err)
	}
	defer f.Close()
	return ParseProfile(f)
}

// ParseProfile parses a profile from r; see LoadProfile for the syntax.
func ParseProfile(r io.Reader) ([]Directive, error) {
	var directives []Directive
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		directives = append(directives, Directive{Keyword: fields[0], Arg: strings.Join(fields[1:], " ")})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("autoprofile: read profile: %w", err)
	}
	return directives, nil
}

// strayLogLimit caps how many stray-file paths get logged individually;
// beyond it they are still counted, just not named.
const strayLogLimit = 100

// defaultLdconfigCache is the path check-ldconfig inspects when no
// argument is given.
const defaultLdconfigCache = "/etc/ld.so.cache"

// ignoreMarker is the Aux payload left on a path by ignore-if-empty and
// ignore-empty-subdirs, consumed by the stray-file pass.
type ignoreMarker struct {
	recursive bool
}

// Analyzer runs a profile's directives against a captured tree and
// collects the resulting path directives, use-ldconfig flag, and any
// wrapper profiles contributed by check-binaries.
type Analyzer struct {
	rootDir string
	tree    *pathstate.Tree

	envType     layer.Kind
	useLdconfig bool
	paths       []layer.PathDirective

	ignoreStrays bool

	wrapperDir      string
	wrapperProfiles []config.Profile
}

// New creates an Analyzer that inspects the directory tree rooted at
// rootDir.
func New(rootDir string) *Analyzer {
	return &Analyzer{
		rootDir: rootDir,
		tree:    pathstate.New(),
		envType: layer.KindLayer,
	}
}

// SetWrapperDirectory configures the directory check-binaries installs
// its generated wrapper profiles under. Leaving it empty makes
// check-binaries a no-op, matching the original behavior of skipping
// binary wrapping when no wrapper directory was configured.
func (a *Analyzer) SetWrapperDirectory(dir string) {
	a.wrapperDir = dir
}

// Apply runs every directive against the tree, in order, stopping at the
// first one that fails.
func (a *Analyzer) Apply(directives []Directive) error {
	for _, d := range directives {
		if err := a.applyOne(d); err != nil {
			return err
		}
	}
	return nil
}

func (a *Analyzer) applyOne(d Directive) error {
	switch d.Keyword {
	case "environment-type":
		return a.setEnvironmentType(d.Arg)
	case "ignore":
		if d.Arg == "strays" {
			a.ignoreStrays = true
			return nil
		}
		return a.ignorePath(d.Arg)
	case "optional-directory":
		return nil
	case "ignore-if-empty":
		a.setIgnoreMarker(d.Arg, false)
		return nil
	case "ignore-empty-subdirs":
		a.setIgnoreMarker(d.Arg, true)
		return nil
	case "overlay":
		return a.overlayOrBind(d.Arg, layer.Overlay, pathstate.OverlayMounted, true)
	case "bind":
		return a.overlayOrBind(d.Arg, layer.Bind, pathstate.BindMounted, true)
	case "overlay-unless-empty":
		return a.unlessEmpty(d.Arg, layer.Overlay, pathstate.OverlayMounted)
	case "bind-unless-empty":
		return a.unlessEmpty(d.Arg, layer.Bind, pathstate.BindMounted)
	case "must-be-empty":
		return a.mustBeEmpty(d.Arg)
	case "check-ldconfig":
		return a.checkLdconfig(d.Arg)
	case "mount-tmpfs":
		return a.mountTmpfs(d.Arg)
	case "check-binaries":
		return a.checkBinaries(d.Arg)
	default:
		return fmt.Errorf("autoprofile: unknown profile keyword %q", d.Keyword)
	}
}

func (a *Analyzer) setEnvironmentType(arg string) error {
	switch arg {
	case "layer":
		a.envType = layer.KindLayer
	case "image":
		a.envType = layer.KindImage
	default:
		return fmt.Errorf("autoprofile: environment-type: unknown type %q", arg)
	}
	return nil
}

func (a *Analyzer) absPath(p string) string {
	return filepath.Join(a.rootDir, p)
}

func (a *Analyzer) exists(p string) bool {
	_, err := os.Lstat(a.absPath(p))
	return err == nil
}

// isEmptyDir reports whether p is a directory containing nothing but
// (recursively) empty directories, matching the original tool's
// is_empty_dir: a directory tree with no regular files, devices, or
// symlinks anywhere beneath it counts as empty. A path that does not
// exist at all also counts as empty.
func (a *Analyzer) isEmptyDir(p string) (bool, error) {
	entries, err := os.ReadDir(a.absPath(p))
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, fmt.Errorf("autoprofile: read %s: %w", p, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			return false, nil
		}
		empty, err := a.isEmptyDir(path.Join(p, e.Name()))
		if err != nil {
			return false, err
		}
		if !empty {
			return false, nil
		}
	}
	return true, nil
}

func (a *Analyzer) ignorePath(p string) error {
	if !a.exists(p) {
		return nil
	}
	a.tree.Set(p, pathstate.Ignored, pathstate.Payload{})
	return nil
}

func (a *Analyzer) setIgnoreMarker(p string, recursive bool) {
	a.tree.Set(p, pathstate.Unchanged, pathstate.Payload{Aux: ignoreMarker{recursive: recursive}})
}

func (a *Analyzer) overlayOrBind(p string, kind layer.DirectiveKind, disp pathstate.Disposition, required bool) error {
	if required && !a.exists(p) {
		return fmt.Errorf("autoprofile: %s: %s target does not exist in tree", p, kind)
	}
	a.paths = append(a.paths, layer.PathDirective{Kind: kind, Path: p})
	a.tree.Set(p, disp, pathstate.Payload{})
	return nil
}

func (a *Analyzer) unlessEmpty(p string, kind layer.DirectiveKind, disp pathstate.Disposition) error {
	empty, err := a.isEmptyDir(p)
	if err != nil {
		return err
	}
	if empty {
		a.tree.Set(p, pathstate.Ignored, pathstate.Payload{})
		return nil
	}
	return a.overlayOrBind(p, kind, disp, false)
}

func (a *Analyzer) mustBeEmpty(p string) error {
	empty, err := a.isEmptyDir(p)
	if err != nil {
		return err
	}
	if !empty {
		return fmt.Errorf("autoprofile: %s should be empty but is not", p)
	}
	return nil
}

func (a *Analyzer) checkLdconfig(p string) error {
	if p == "" {
		p = defaultLdconfigCache
	}
	if !a.exists(p) {
		return nil
	}
	a.useLdconfig = true
	return a.ignorePath(p)
}

func (a *Analyzer) mountTmpfs(p string) error {
	a.paths = append(a.paths, layer.PathDirective{Kind: layer.Mount, Path: p, Fstype: "tmpfs"})
	a.tree.Set(p, pathstate.SystemMount, pathstate.Payload{Fstype: "tmpfs"})
	return nil
}

func (a *Analyzer) checkBinaries(p string) error {
	if a.wrapperDir == "" {
		return nil
	}
	entries, err := os.ReadDir(a.absPath(p))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("autoprofile: check-binaries %s: %w", p, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return fmt.Errorf("autoprofile: check-binaries %s: %w", p, err)
		}
		if info.Mode()&0111 == 0 {
			continue
		}
		name := e.Name()
		a.wrapperProfiles = append(a.wrapperProfiles, config.Profile{
			Name:    name,
			Wrapper: path.Join(a.wrapperDir, name),
			Command: path.Join(p, name),
		})
	}
	return nil
}

// checkStrays walks the real directory tree depth-first, flagging every
// entry whose path-state is still Unchanged. A directory whose entire
// subtree resolved to zero strays is itself marked Ignored when it (or
// an ancestor) carried an ignore-if-empty/ignore-empty-subdirs marker;
// ignore-empty-subdirs marks propagate down to descendants, so an empty
// subtree several levels deep also gets cleared, while ignore-if-empty
// only clears the directory it was placed on directly.
func (a *Analyzer) checkStrays() (int, error) {
	if a.ignoreStrays {
		return 0, nil
	}
	logged := 0
	return a.strayWalk("/", false, &logged)
}

func (a *Analyzer) strayWalk(relPath string, inheritedRecursive bool, logged *int) (int, error) {
	absPath := a.absPath(relPath)
	fi, err := os.Lstat(absPath)
	if err != nil {
		return 0, fmt.Errorf("autoprofile: stat %s: %w", relPath, err)
	}
	disp, payload, _ := a.tree.Get(relPath)

	if !fi.IsDir() {
		if disp != pathstate.Unchanged {
			return 0, nil
		}
		if *logged < strayLogLimit {
			trace.Error("stray file: %s", relPath)
		}
		*logged++
		return 1, nil
	}

	if disp != pathstate.Unchanged {
		return 0, nil
	}

	marker, hasMarker := payload.Aux.(ignoreMarker)
	recursiveHere := inheritedRecursive || (hasMarker && marker.recursive)

	entries, err := os.ReadDir(absPath)
	if err != nil {
		return 0, fmt.Errorf("autoprofile: read %s: %w", relPath, err)
	}
	total := 0
	for _, e := range entries {
		n, err := a.strayWalk(path.Join(relPath, e.Name()), recursiveHere, logged)
		if err != nil {
			return 0, err
		}
		total += n
	}

	if total == 0 && (hasMarker || inheritedRecursive) {
		a.tree.Set(relPath, pathstate.Ignored, pathstate.Payload{})
	}

	return total, nil
}

// BuildEnvironment runs the stray-file pass and, if it found nothing
// left over, assembles the recorded directives into a single-layer
// environment named name, referencing rootDir as the layer's directory
// (or image, if environment-type image was set).
func (a *Analyzer) BuildEnvironment(name string) (*layer.Environment, error) {
	strays, err := a.checkStrays()
	if err != nil {
		return nil, err
	}
	if strays > 0 {
		return nil, fmt.Errorf("autoprofile: %d stray file(s) found under %s", strays, a.rootDir)
	}
	if len(a.paths) == 0 {
		return nil, fmt.Errorf("autoprofile: no path directives were recorded for %s", a.rootDir)
	}

	l := layer.Layer{Type: a.envType}
	switch a.envType {
	case layer.KindImage:
		l.Image = a.rootDir
	default:
		l.Directory = a.rootDir
		l.UseLdconfig = a.useLdconfig
		l.Paths = a.paths
	}

	return &layer.Environment{Name: name, Layers: []layer.Layer{l}}, nil
}

// WrapperProfiles returns the profiles contributed by check-binaries
// directives, with EnvironmentName filled in.
func (a *Analyzer) WrapperProfiles(environmentName string) []config.Profile {
	profiles := make([]config.Profile, len(a.wrapperProfiles))
	for i, p := range a.wrapperProfiles {
		p.EnvironmentName = environmentName
		profiles[i] = p
	}
	return profiles
}

// Options configures a top-level Run.
type Options struct {
	// Root is the directory tree to analyze. If it looks like a
	// digger capture directory (both "tree" and "work" exist directly
	// under it), the tree subdirectory is used as the actual root,
	// matching the original tool's auto-detection.
	Root string
	// EnvironmentName names the emitted environment; if empty, it
	// defaults to the base name of Root.
	EnvironmentName string
	// WrapperDirectory is passed through to SetWrapperDirectory.
	WrapperDirectory string
	Directives       []Directive
}

// Run applies opts.Directives against opts.Root and returns the
// resulting environment plus any wrapper profiles check-binaries
// contributed.
func Run(opts Options) (*layer.Environment, []config.Profile, error) {
	root := opts.Root
	if isDiggerCapture(root) {
		trace.Trace("autoprofile: %s looks like a digger capture, using %s/tree as the root", root, root)
		root = filepath.Join(root, "tree")
	}

	a := New(root)
	a.SetWrapperDirectory(opts.WrapperDirectory)
	if err := a.Apply(opts.Directives); err != nil {
		return nil, nil, err
	}

	name := opts.EnvironmentName
	if name == "" {
		name = filepath.Base(filepath.Clean(opts.Root))
	}

	env, err := a.BuildEnvironment(name)
	if err != nil {
		return nil, nil, err
	}

	return env, a.WrapperProfiles(name), nil
}

func isDiggerCapture(root string) bool {
	return isDir(filepath.Join(root, "tree")) && isDir(filepath.Join(root, "work"))
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
