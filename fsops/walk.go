package fsops

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// WalkAction is the verdict a walk callback returns to steer the walk.
type WalkAction int

const (
	// Continue descends into the entry (if it is a directory) and
	// proceeds to its siblings.
	Continue WalkAction = iota
	// Skip does not descend into the entry's children, but otherwise
	// continues the walk.
	Skip
	// Abort stops the walk immediately.
	Abort
	// Error stops the walk and propagates an error from the walk call.
	Error
)

// WalkFlags controls Ftw's traversal order and filesystem-crossing
// behavior.
type WalkFlags struct {
	// Postorder visits a directory's children before the directory
	// itself invokes the callback a second time via post. When false
	// (the default), only a pre-order callback is made.
	Postorder bool
	// SingleFilesystem stops the walk from crossing into a directory
	// on a different device than root.
	SingleFilesystem bool
}

// WalkEntry describes one file or directory visited by Ftw.
type WalkEntry struct {
	Path string
	Info os.FileInfo
}

// Ftw performs a depth-first walk of root, invoking pre for every entry
// before descending into it, and post after its children have been
// visited (only when flags.Postorder is set). Either callback may be
// nil. The walk honors Skip/Abort/Error returned by either callback.
func Ftw(root string, flags WalkFlags, pre, post func(WalkEntry) WalkAction) error {
	var rootDev uint64
	if flags.SingleFilesystem {
		fi, err := os.Lstat(root)
		if err != nil {
			return fmt.Errorf("fsops: ftw stat %s: %w", root, err)
		}
		rootDev = deviceOf(fi)
	}
	return ftw(root, flags, rootDev, pre, post)
}

func ftw(path string, flags WalkFlags, rootDev uint64, pre, post func(WalkEntry) WalkAction) error {
	fi, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("fsops: ftw lstat %s: %w", path, err)
	}
	entry := WalkEntry{Path: path, Info: fi}

	if pre != nil {
		switch action := pre(entry); action {
		case Abort:
			return errAbort
		case Error:
			return fmt.Errorf("fsops: ftw callback failed at %s", path)
		case Skip:
			return nil
		}
	}

	if fi.IsDir() {
		if flags.SingleFilesystem && deviceOf(fi) != rootDev {
			return nil
		}
		names, err := readDirNames(path)
		if err != nil {
			return fmt.Errorf("fsops: ftw readdir %s: %w", path, err)
		}
		for _, name := range names {
			err := ftw(filepath.Join(path, name), flags, rootDev, pre, post)
			if err == errAbort {
				return errAbort
			}
			if err != nil {
				return err
			}
		}
	}

	if flags.Postorder && post != nil {
		switch post(entry) {
		case Abort:
			return errAbort
		case Error:
			return fmt.Errorf("fsops: ftw post callback failed at %s", path)
		}
	}

	return nil
}

var errAbort = fmt.Errorf("fsops: walk aborted")

// IsAbort reports whether err is the sentinel Ftw returns when a
// callback returned Abort.
func IsAbort(err error) bool {
	return err == errAbort
}

func readDirNames(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Readdirnames(-1)
}

func deviceOf(fi os.FileInfo) uint64 {
	if st, ok := fi.Sys().(*unix.Stat_t); ok {
		return uint64(st.Dev)
	}
	return 0
}

// InodeCompare relationship bits, as returned by InodeCompare. These
// mirror the original fsutil_inode_compare bitmask exactly.
const (
	FileSmaller = 1 << iota
	FileBigger
	FileYounger
	FileOlder
)

// Sentinel values InodeCompare can return instead of a bitmask.
const (
	MismatchType    = -2
	MismatchMissing = -1
	FileIdentical   = 0
)

// InodeCompare compares two paths without opening them, returning a
// bitmask of FileSmaller/FileBigger (p1's size against p2's; not set
// for directories) and FileYounger/FileOlder (FileYounger when p1's
// modification time is earlier than p2's, FileOlder when it is later),
// MismatchType if the two paths are of different file types,
// MismatchMissing if either path does not exist, or FileIdentical if p1
// and p2 agree on every compared attribute.
func InodeCompare(p1, p2 string) (int, error) {
	fi1, err1 := os.Lstat(p1)
	fi2, err2 := os.Lstat(p2)
	if os.IsNotExist(err1) || os.IsNotExist(err2) {
		return MismatchMissing, nil
	}
	if err1 != nil {
		return 0, fmt.Errorf("fsops: inode_compare stat %s: %w", p1, err1)
	}
	if err2 != nil {
		return 0, fmt.Errorf("fsops: inode_compare stat %s: %w", p2, err2)
	}

	if fi1.Mode().Type() != fi2.Mode().Type() {
		return MismatchType, nil
	}

	mask := 0
	if !fi1.IsDir() {
		switch {
		case fi1.Size() < fi2.Size():
			mask |= FileSmaller
		case fi1.Size() > fi2.Size():
			mask |= FileBigger
		}
	}

	t1, t2 := fi1.ModTime(), fi2.ModTime()
	switch {
	case t1.Before(t2):
		mask |= FileYounger
	case t1.After(t2):
		mask |= FileOlder
	}

	return mask, nil
}

// TempdirOnTmpfs creates a fresh temporary directory and mounts a tmpfs
// over it, so that whatever is written there never touches a real
// filesystem. The returned cleanup function unmounts and removes the
// directory; callers must call it exactly once.
func TempdirOnTmpfs() (string, func() error, error) {
	dir, err := os.MkdirTemp("", "wormhole-*")
	if err != nil {
		return "", nil, fmt.Errorf("fsops: tempdir_on_tmpfs mkdtemp: %w", err)
	}
	if err := MountTmpfs(dir); err != nil {
		os.Remove(dir)
		return "", nil, err
	}

	cleanup := func() error {
		if err := LazyUmount(dir); err != nil {
			return err
		}
		return os.Remove(dir)
	}
	return dir, cleanup, nil
}
