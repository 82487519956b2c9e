// Package digger implements the capture pipeline: it assembles a base
// environment into a private, writable view, runs a command inside
// that view, and harvests whatever the command changed into a new
// layer directory plus a config file describing it.
package digger

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/okirch/wormhole/assemble"
	"github.com/okirch/wormhole/config"
	"github.com/okirch/wormhole/fsops"
	"github.com/okirch/wormhole/internal/trace"
	"github.com/okirch/wormhole/layer"
	"github.com/okirch/wormhole/mounttab"
	"github.com/okirch/wormhole/nsutil"
	"github.com/okirch/wormhole/ociroot"
	"github.com/okirch/wormhole/pathstate"
)

// virtualFilesystems are always rebound as-is rather than overlaid;
// overlaying a kernel-maintained filesystem like proc or sysfs either
// fails outright or silently hides its live contents.
var virtualFilesystems = []string{
	"bpf", "cgroup", "cgroup2", "debugfs", "devpts", "devtmpfs",
	"efivarfs", "hugetlbfs", "mqueue", "proc", "pstore", "securityfs",
	"sysfs", "tmpfs",
}

// noOverlayFilesystems do not support being an overlay's lower layer
// and are left untouched rather than bound or overlaid.
var noOverlayFilesystems = []string{"fat", "vfat", "nfs"}

// Options configures one digger capture run.
type Options struct {
	// OverlayRoot is the output directory; it must not already exist
	// unless Clean is set.
	OverlayRoot string
	// EnvironmentName defaults to the base name of OverlayRoot.
	EnvironmentName string
	// PrivilegedNamespace uses a plain mount namespace instead of a
	// user namespace; it requires the caller to already be root.
	PrivilegedNamespace bool
	// Clean removes a pre-existing OverlayRoot before starting.
	Clean bool
	// BuildDirectory, if set, is bind-mounted at /build and becomes
	// the command's working directory.
	BuildDirectory string
	// BuildScript, if set, is bound at /build.sh and prepended to the
	// command's argv.
	BuildScript string
	// BindMountTypes lists additional filesystem types (beyond the
	// built-in virtual filesystem list) to rebind rather than overlay.
	BindMountTypes []string
	// Runtime resolves an Image base layer to a mountable root.
	Runtime ociroot.Runtime
	// ClientPath is bound onto any Wormhole path directive.
	ClientPath string
}

// Digger drives one capture run end to end.
type Digger struct {
	opts       Options
	env        *layer.Environment
	assembler  *assemble.Assembler
	rootDir    string
	providesFd *os.File
}

// New builds a Digger targeting opts, whose output environment extends
// base (nil for a from-scratch capture) and requires baseCapability
// (empty to omit the requirement).
func New(opts Options, base *layer.Environment, baseCapability string) *Digger {
	name := opts.EnvironmentName
	if name == "" {
		name = filepath.Base(filepath.Clean(opts.OverlayRoot))
	}

	env := &layer.Environment{Name: name}
	if base != nil {
		env.Layers = append(env.Layers, base.Layers...)
	}
	if baseCapability != "" {
		env.Requires = append(env.Requires, layer.ParseCapability(baseCapability))
	}

	return &Digger{
		opts:      opts,
		env:       env,
		assembler: assemble.New(opts.Runtime, opts.ClientPath),
	}
}

// Environment returns the output environment being assembled.
func (d *Digger) Environment() *layer.Environment { return d.env }

// Prepare creates the overlay root directory (cleaning a pre-existing
// one if requested), enters a fresh namespace, and builds the private
// copy-on-write root the capture command will run inside.
func (d *Digger) Prepare() error {
	if d.opts.OverlayRoot == "" {
		return fmt.Errorf("digger: no overlay root directory configured")
	}

	if fi, err := os.Stat(d.opts.OverlayRoot); err == nil {
		if !fi.IsDir() {
			return fmt.Errorf("digger: %s exists and is not a directory", d.opts.OverlayRoot)
		}
		if !d.opts.Clean {
			return fmt.Errorf("digger: directory %s already exists; rerun with Clean to remove it first", d.opts.OverlayRoot)
		}
		if err := os.RemoveAll(d.opts.OverlayRoot); err != nil {
			return fmt.Errorf("digger: cleaning up %s: %w", d.opts.OverlayRoot, err)
		}
	}
	if err := fsops.Makedirs(d.opts.OverlayRoot, 0755); err != nil {
		return err
	}

	if d.opts.PrivilegedNamespace {
		if err := nsutil.CreateMountNamespace(); err != nil {
			return fmt.Errorf("digger: %w", err)
		}
	} else {
		if err := nsutil.CreateUserNamespace(); err != nil {
			return fmt.Errorf("digger: %w", err)
		}
	}
	if err := fsops.MakeFSPrivate("/"); err != nil {
		return fmt.Errorf("digger: %w", err)
	}

	return d.smokeAndMirrors()
}

// smokeAndMirrors builds a private, writable overlay over the base
// root (so nothing the capture command does touches the real
// filesystem), then reattaches every filesystem the host had mounted
// so the captured environment still sees them.
func (d *Digger) smokeAndMirrors() error {
	baseRoot, err := d.resolveBaseRoot()
	if err != nil {
		return fmt.Errorf("digger: resolve base root: %w", err)
	}

	mnt, err := mounttab.SnapshotMounts("", "")
	if err != nil {
		return fmt.Errorf("digger: snapshot mount table: %w", err)
	}

	lowerDir := filepath.Join(d.opts.OverlayRoot, "lower")
	treeDir := filepath.Join(d.opts.OverlayRoot, "tree")
	workDir := filepath.Join(d.opts.OverlayRoot, "work")
	rootDir := filepath.Join(d.opts.OverlayRoot, "root")
	for _, dir := range []string{lowerDir, treeDir, workDir, rootDir} {
		if err := fsops.Makedirs(dir, 0755); err != nil {
			return err
		}
	}

	// User namespaces are a bit particular about what they'll let us
	// bind mount; going through a bind of the base root before
	// overlaying it is the combination that reliably works.
	if err := fsops.MountBind(baseRoot, lowerDir, true); err != nil {
		return fmt.Errorf("digger: bind mount base root: %w", err)
	}
	if err := fsops.MountOverlay(lowerDir, treeDir, workDir, rootDir); err != nil {
		return fmt.Errorf("digger: overlay mount: %w", err)
	}
	trace.Trace("digger: overlay mounted at %s", rootDir)
	if err := fsops.LazyUmount(lowerDir); err != nil {
		return fmt.Errorf("digger: detach lower mount: %w", err)
	}

	d.rootDir = rootDir

	if err := d.assembler.AssembleOnto(d.env, rootDir); err != nil {
		return fmt.Errorf("digger: assemble base environment: %w", err)
	}

	isImageBased := len(d.env.Layers) > 0 && d.env.Layers[0].Type == layer.KindImage
	return d.remountFilesystems(mnt, isImageBased)
}

func (d *Digger) resolveBaseRoot() (string, error) {
	if len(d.env.Layers) == 0 || d.env.Layers[0].Type != layer.KindImage {
		return "/", nil
	}
	img := d.env.Layers[0]
	if d.opts.Runtime == nil {
		return "", fmt.Errorf("no container runtime configured for image layer %q", img.Image)
	}
	localName := ociroot.LocalName(img.Image)
	exists, err := d.opts.Runtime.ContainerExists(localName)
	if err != nil {
		return "", err
	}
	if !exists {
		if err := d.opts.Runtime.ContainerStart(img.Image, localName); err != nil {
			return "", err
		}
	}
	return d.opts.Runtime.ContainerMount(localName)
}

// remountFilesystems walks a snapshot of the host's mount table and,
// for every mount point it finds: rebinds virtual filesystems and any
// caller-requested bind-mount types in place, skips filesystem types
// that don't support overlaying and any mount point that is our own
// overlay directory or one of its parent directories, and overlays
// everything else into a fresh scratch
// subtree so the capture command can write to it freely.
func (d *Digger) remountFilesystems(mnt *pathstate.Tree, isImageBased bool) error {
	var subtreeIndex int
	var walkErr error

	mnt.Walk(func(e pathstate.Entry) {
		if walkErr != nil {
			return
		}
		if e.Disposition != pathstate.SystemMount {
			return
		}
		mountPoint := e.Path
		if mountPoint == "/" {
			trace.Trace("digger: skipping root directory")
			return
		}
		fstype := e.Payload.Fstype

		switch {
		case stringInList(fstype, virtualFilesystems), stringInList(fstype, d.opts.BindMountTypes):
			if err := d.rebindFilesystem(mountPoint, fstype); err != nil {
				walkErr = err
				return
			}
			e.SkipChildren()

		case stringInList(fstype, noOverlayFilesystems):
			trace.Trace("digger: ignoring %s, file system type %s does not support overlays", mountPoint, fstype)

		case strings.HasPrefix(d.opts.OverlayRoot, mountPoint+"/") || d.opts.OverlayRoot == mountPoint:
			trace.Trace("digger: ignoring %s, because it's a parent directory of our overlay directory", mountPoint)

		case unix.Access(mountPoint, unix.X_OK) != nil:
			trace.Trace("digger: ignoring potential overlay %s (type %s): inaccessible to this user", mountPoint, fstype)

		case isImageBased:
			trace.Trace("digger: ignoring system mount %s (%s; device %s)", mountPoint, fstype, e.Payload.Device)

		default:
			if err := d.overlaySubtree(mountPoint, fstype, e.Payload.Device, subtreeIndex); err != nil {
				walkErr = err
				return
			}
			subtreeIndex++
		}
	})

	return walkErr
}

func (d *Digger) rebindFilesystem(mountPoint, fstype string) error {
	if unix.Access(mountPoint, unix.X_OK) != nil {
		trace.Trace("digger: ignoring %s (type %s): inaccessible to this user", mountPoint, fstype)
		return nil
	}

	trace.Trace("digger: trying to bind mount %s (type %s)", mountPoint, fstype)
	dest := filepath.Join(d.rootDir, mountPoint)
	if err := fsops.MountBind(mountPoint, dest, true); err != nil {
		return err
	}
	d.assembler.Tree().Set(mountPoint, pathstate.BindMounted, pathstate.Payload{})
	return nil
}

func (d *Digger) overlaySubtree(mountPoint, fstype, device string, index int) error {
	trace.Trace("digger: trying to overlay %s (type %s; originally from %s)", mountPoint, fstype, device)

	subtreeDir := filepath.Join(d.opts.OverlayRoot, fmt.Sprintf("subtree.%d", index))
	upperDir := filepath.Join(subtreeDir, "tree")
	workDir := filepath.Join(subtreeDir, "work")
	for _, dir := range []string{upperDir, workDir} {
		if err := fsops.Makedirs(dir, 0755); err != nil {
			return err
		}
	}

	destDir := filepath.Join(d.rootDir, mountPoint)
	if err := fsops.MountOverlay(mountPoint, upperDir, workDir, destDir); err != nil {
		return err
	}
	d.assembler.Tree().Set(mountPoint, pathstate.OverlayMounted, pathstate.Payload{Upperdir: upperDir})
	return nil
}

func stringInList(s string, list []string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// BindBuildInputs binds the configured build directory and/or script
// into the assembled root and returns the argv the capture command
// should actually be run with (the build script prepended when one was
// configured, falling back to the caller's shell when argv is empty).
func (d *Digger) BindBuildInputs(argv []string) ([]string, error) {
	if d.opts.BuildDirectory != "" {
		trace.Trace("digger: binding %s to /build", d.opts.BuildDirectory)
		dest := filepath.Join(d.rootDir, "/build")
		if err := fsops.MountBind(d.opts.BuildDirectory, dest, true); err != nil {
			return nil, fmt.Errorf("digger: bind build directory: %w", err)
		}
		d.assembler.Tree().Set("/build", pathstate.BindMounted, pathstate.Payload{})
	}

	if d.opts.BuildScript != "" {
		trace.Trace("digger: binding %s to /build.sh", d.opts.BuildScript)
		dest := filepath.Join(d.rootDir, "/build.sh")
		if err := fsops.CreateEmpty(dest); err != nil {
			return nil, err
		}
		if err := fsops.MountBind(d.opts.BuildScript, dest, true); err != nil {
			return nil, fmt.Errorf("digger: bind build script: %w", err)
		}
		d.assembler.Tree().Set("/build.sh", pathstate.BindMounted, pathstate.Payload{})
		argv = append([]string{"/build.sh"}, argv...)
	}

	if len(argv) == 0 {
		argv = defaultShellArgv()
	}
	return argv, nil
}

func defaultShellArgv() []string {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	return []string{shell}
}

// MountProvidesFile binds a host-backed temporary file onto /provides
// in the assembled root. The capture command (or its build script) is
// expected to write one capability per line to it; UpdateProvides reads
// those back after the command exits.
func (d *Digger) MountProvidesFile() error {
	f, err := os.CreateTemp("", "wormhole-provides-*")
	if err != nil {
		return fmt.Errorf("digger: create provides tempfile: %w", err)
	}
	hostPath := f.Name()

	dest := filepath.Join(d.rootDir, "/provides")
	if err := fsops.CreateEmpty(dest); err != nil {
		f.Close()
		os.Remove(hostPath)
		return err
	}
	if err := fsops.MountBind(hostPath, dest, true); err != nil {
		f.Close()
		os.Remove(hostPath)
		return fmt.Errorf("digger: bind /provides: %w", err)
	}
	// The bind mount keeps the file reachable from inside the
	// assembled root; the host-side directory entry can go.
	os.Remove(hostPath)

	d.assembler.Tree().Set("/provides", pathstate.BindMounted, pathstate.Payload{})
	d.providesFd = f
	return nil
}

// Run executes argv inside the assembled root with stdio inherited
// from the caller.
func (d *Digger) Run(argv []string, workdir string) error {
	if len(argv) == 0 {
		return fmt.Errorf("digger: no command to run")
	}
	if workdir == "" {
		workdir = "/"
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), "PS1=(wormhole) # ")
	cmd.Dir = workdir
	cmd.SysProcAttr = &syscall.SysProcAttr{Chroot: d.rootDir}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("digger: command %q failed: %w", argv[0], err)
	}
	trace.Trace("digger: command %s completed", argv[0])
	return nil
}

// Harvest detaches the assembled root and merges every non-empty
// captured overlay upper directory into a single combined tree under
// OverlayRoot/tree, then discards every scratch directory.
func (d *Digger) Harvest() error {
	if err := fsops.LazyUmount(d.rootDir); err != nil {
		return fmt.Errorf("digger: detach assembled root: %w", err)
	}

	treeRoot := filepath.Join(d.opts.OverlayRoot, "tree")
	if err := d.combineTree(treeRoot); err != nil {
		return err
	}
	return d.cleanTree()
}

func (d *Digger) combineTree(treeRoot string) error {
	var walkErr error
	d.assembler.Tree().Walk(func(e pathstate.Entry) {
		if walkErr != nil || e.Disposition != pathstate.OverlayMounted {
			return
		}
		upperDir := e.Payload.Upperdir
		if upperDir == "" {
			return
		}

		fi, err := os.Stat(upperDir)
		if err != nil || !fi.IsDir() {
			trace.Trace("digger: ignoring subtree for %s - %s is not a directory", e.Path, upperDir)
			return
		}
		empty, err := dirIsEmpty(upperDir)
		if err != nil {
			walkErr = err
			return
		}
		if empty {
			trace.Trace("digger: ignoring subtree for %s - directory %s is empty", e.Path, upperDir)
			return
		}

		trace.Trace("digger: found subtree at %s, %s exists and is not empty", e.Path, upperDir)
		dest := filepath.Join(treeRoot, e.Path)
		if err := fsops.Makedirs(filepath.Dir(dest), 0755); err != nil {
			walkErr = err
			return
		}
		if err := os.Rename(upperDir, dest); err != nil {
			walkErr = fmt.Errorf("digger: cannot merge %s into tree at %s: %w", upperDir, dest, err)
			return
		}
		trace.Trace("digger: renamed %s to %s", upperDir, dest)
	})
	return walkErr
}

func dirIsEmpty(dir string) (bool, error) {
	f, err := os.Open(dir)
	if err != nil {
		return false, err
	}
	defer f.Close()
	_, err = f.Readdirnames(1)
	if err == io.EOF {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func (d *Digger) cleanTree() error {
	d.assembler.Tree().Walk(func(e pathstate.Entry) {
		if e.Disposition != pathstate.OverlayMounted || e.Payload.Upperdir == "" {
			return
		}
		subtree := filepath.Dir(e.Payload.Upperdir)
		if err := os.RemoveAll(subtree); err != nil {
			trace.Error("digger: cleaning up %s: %v", subtree, err)
		}
	})

	for _, name := range []string{"work", "lower", "tree/build.sh", "tree/build", "tree/provides"} {
		if err := os.RemoveAll(filepath.Join(d.opts.OverlayRoot, name)); err != nil {
			return fmt.Errorf("digger: cleaning up %s: %w", name, err)
		}
	}
	if err := os.RemoveAll(d.rootDir); err != nil {
		return fmt.Errorf("digger: cleaning up %s: %w", d.rootDir, err)
	}
	return nil
}

// UpdateProvides reads back whatever capability lines the capture
// command wrote to /provides and appends them to the output
// environment's Provides list.
func (d *Digger) UpdateProvides() error {
	if d.providesFd == nil {
		return nil
	}
	defer d.providesFd.Close()

	if _, err := d.providesFd.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("digger: seek provides file: %w", err)
	}

	scanner := bufio.NewScanner(d.providesFd)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		trace.Trace("digger: image provides %s", line)
		d.env.Provides = append(d.env.Provides, layer.ParseCapability(line))
	}
	return scanner.Err()
}

// WriteConfig emits OverlayRoot/.digger.conf describing the captured
// environment as a single layer whose directory is "tree".
func (d *Digger) WriteConfig() error {
	cfg := &config.Config{
		Environments: []layer.Environment{
			{
				Name:     d.env.Name,
				Provides: d.env.Provides,
				Requires: d.env.Requires,
				Layers: []layer.Layer{
					{Type: layer.KindLayer, Directory: "tree"},
				},
			},
		},
	}
	path := filepath.Join(d.opts.OverlayRoot, ".digger.conf")
	if err := cfg.Write(path); err != nil {
		return fmt.Errorf("digger: writing config: %w", err)
	}
	return nil
}

// Capture runs the full pipeline end to end: prepare the namespace and
// overlay, bind the build inputs, run argv inside the assembled root,
// harvest the result, and emit the config file. It returns the
// resulting environment.
func Capture(opts Options, base *layer.Environment, baseCapability string, argv []string) (*layer.Environment, error) {
	d := New(opts, base, baseCapability)

	if err := d.Prepare(); err != nil {
		return nil, err
	}

	argv, err := d.BindBuildInputs(argv)
	if err != nil {
		return nil, err
	}
	if err := d.MountProvidesFile(); err != nil {
		return nil, err
	}

	workdir := ""
	if opts.BuildDirectory != "" {
		workdir = "/build"
	}
	if err := d.Run(argv, workdir); err != nil {
		return nil, err
	}

	if err := d.Harvest(); err != nil {
		return nil, err
	}
	if err := d.UpdateProvides(); err != nil {
		return nil, err
	}
	if err := d.WriteConfig(); err != nil {
		return nil, err
	}

	return d.env, nil
}
