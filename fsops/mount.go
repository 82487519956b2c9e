// Package fsops wraps the handful of filesystem syscalls the rest of
// wormhole is built on: bind mounts, overlay mounts, tmpfs, lazy unmount,
// private propagation, directory creation and a depth-first tree walk.
//
// Every function here returns an error instead of panicking; none of them
// retries a failed syscall.
package fsops

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MountBind bind-mounts src onto dst. Parent directories of dst are
// created on demand; if dst does not exist and src is not a directory,
// dst is first created as an empty regular file so the bind target
// matches the source's type.
func MountBind(src, dst string, recursive bool) error {
	if err := prepareBindTarget(src, dst); err != nil {
		return fmt.Errorf("fsops: prepare bind target %s: %w", dst, err)
	}

	flags := uintptr(unix.MS_BIND)
	if recursive {
		flags |= unix.MS_REC
	}
	if err := unix.Mount(src, dst, "", flags, ""); err != nil {
		return fmt.Errorf("fsops: bind mount %s -> %s: %w", src, dst, err)
	}
	return nil
}

// prepareBindTarget ensures dst exists with a type (file or directory)
// matching src, creating missing parent directories as needed.
func prepareBindTarget(src, dst string) error {
	fi, err := os.Stat(src)
	isDir := err == nil && fi.IsDir()

	if _, err := os.Stat(dst); err == nil {
		return nil
	}

	if isDir {
		return Makedirs(dst, 0755)
	}

	if err := Makedirs(parentDir(dst), 0755); err != nil {
		return err
	}
	return CreateEmpty(dst)
}

// MountOverlay mounts an overlayfs at target. lower may be a
// colon-separated list of lower directories (lowest-priority last, per
// overlayfs convention). When upper and work are both empty, the overlay
// is mounted read-only with no upper layer.
func MountOverlay(lower string, upper, work, target string) error {
	var options string
	flags := uintptr(unix.MS_NOATIME)

	if upper == "" {
		options = "lowerdir=" + lower
		flags |= unix.MS_RDONLY
	} else {
		options = "lowerdir=" + lower + ",upperdir=" + upper + ",workdir=" + work
		if unix.Access(upper, unix.W_OK) != nil {
			flags |= unix.MS_RDONLY
		}
	}

	if err := unix.Mount("wormhole", target, "overlay", flags, options); err != nil {
		return fmt.Errorf("fsops: mount overlay at %s (options %q): %w", target, options, err)
	}
	return nil
}

// MountTmpfs mounts a fresh tmpfs at target.
func MountTmpfs(target string) error {
	if err := unix.Mount("tmpfs", target, "tmpfs", 0, ""); err != nil {
		return fmt.Errorf("fsops: mount tmpfs at %s: %w", target, err)
	}
	return nil
}

// MountVirtualFS mounts a fresh virtual filesystem of the given type
// (proc, sysfs, devpts, ...) at target.
func MountVirtualFS(target, fstype, options string) error {
	if err := unix.Mount(fstype, target, fstype, 0, options); err != nil {
		return fmt.Errorf("fsops: mount %s at %s: %w", fstype, target, err)
	}
	return nil
}

// LazyUmount detaches the mount at path without waiting for it to become
// unbusy (MNT_DETACH semantics).
func LazyUmount(path string) error {
	if err := unix.Unmount(path, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("fsops: lazy umount %s: %w", path, err)
	}
	return nil
}

// MakeFSPrivate changes the mount propagation of path (and everything
// under it) to private, so that mounts performed afterwards do not leak
// to the host mount namespace.
func MakeFSPrivate(path string) error {
	if err := unix.Mount("", path, "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("fsops: make %s private: %w", path, err)
	}
	return nil
}

// Makedirs creates path and any missing parents, tolerating an
// already-existing directory.
func Makedirs(path string, mode os.FileMode) error {
	if err := os.MkdirAll(path, mode); err != nil {
		return fmt.Errorf("fsops: makedirs %s: %w", path, err)
	}
	return nil
}

// CreateEmpty creates an empty regular file at path, creating parent
// directories as needed.
func CreateEmpty(path string) error {
	if err := Makedirs(parentDir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("fsops: create empty %s: %w", path, err)
	}
	return f.Close()
}

func parentDir(path string) string {
	i := len(path) - 1
	for i > 0 && path[i] != '/' {
		i--
	}
	if i <= 0 {
		return "/"
	}
	return path[:i]
}
