// Package nsutil creates and identifies Linux mount and user namespaces.
package nsutil

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// CreateMountNamespace unshares the calling thread's mount namespace and
// verifies that the new namespace's identity actually differs from the
// one it replaced.
func CreateMountNamespace() error {
	before, err := namespaceIdentity("/proc/self/ns/mnt")
	if err != nil {
		return fmt.Errorf("nsutil: stat mount namespace before unshare: %w", err)
	}

	if err := unix.Unshare(unix.CLONE_NEWNS); err != nil {
		return fmt.Errorf("nsutil: unshare mount namespace: %w", err)
	}

	after, err := namespaceIdentity("/proc/self/ns/mnt")
	if err != nil {
		return fmt.Errorf("nsutil: stat mount namespace after unshare: %w", err)
	}
	if before == after {
		return fmt.Errorf("nsutil: unshare mount namespace reported success but namespace identity did not change")
	}
	return nil
}

// CreateUserNamespace unshares a new user namespace together with a new
// mount namespace, and maps the calling process's uid/gid identically
// into the new namespace so that paths owned by the caller remain
// accessible. Any failed write is treated as fatal for the namespace
// attempt, matching the original implementation.
func CreateUserNamespace() error {
	uid := unix.Getuid()
	gid := unix.Getgid()

	if err := unix.Unshare(unix.CLONE_NEWUSER | unix.CLONE_NEWNS); err != nil {
		return fmt.Errorf("nsutil: unshare user namespace: %w", err)
	}

	if err := writeIdentityMap("/proc/self/uid_map", uid); err != nil {
		return err
	}
	if err := writeProcFile("/proc/self/setgroups", "deny"); err != nil {
		return fmt.Errorf("nsutil: write setgroups: %w", err)
	}
	if err := writeIdentityMap("/proc/self/gid_map", gid); err != nil {
		return err
	}
	return nil
}

func writeIdentityMap(path string, id int) error {
	line := strconv.Itoa(id) + " " + strconv.Itoa(id) + " 1"
	if err := writeProcFile(path, line); err != nil {
		return fmt.Errorf("nsutil: write %s: %w", path, err)
	}
	return nil
}

func writeProcFile(path, content string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	_, werr := f.WriteString(content)
	cerr := f.Close()
	if werr != nil {
		return werr
	}
	return cerr
}

// namespaceIdentity returns a string uniquely identifying the namespace
// referenced by the given /proc/self/ns/* symlink (device + inode of the
// link target).
func namespaceIdentity(path string) (string, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return "", err
	}
	return strconv.FormatUint(uint64(st.Dev), 16) + ":" + strconv.FormatUint(st.Ino, 16), nil
}
