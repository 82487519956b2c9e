// Package mounttab reads the kernel's mount table (/proc/mounts) into a
// pathstate.Tree, tagging every mount point as a SystemMount.
package mounttab

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/okirch/wormhole/pathstate"
)

// DefaultMountsFile is the proc file SnapshotMounts reads when no path
// is supplied, matching the original's default of the live process
// mount table.
const DefaultMountsFile = "/proc/mounts"

// entry is one decoded line of /proc/mounts (fstab(5) format).
type entry struct {
	device     string
	mountPoint string
	fstype     string
	options    string
}

// SnapshotMounts parses path (DefaultMountsFile if empty) and returns a
// tree in which every mount point is recorded as SystemMount with its
// fstype and device as payload. When rootPrefix is non-empty, mount
// points outside it are dropped and mount points under it have the
// prefix stripped before being recorded.
func SnapshotMounts(path, rootPrefix string) (*pathstate.Tree, error) {
	if path == "" {
		path = DefaultMountsFile
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mounttab: open %s: %w", path, err)
	}
	defer f.Close()

	entries, err := parseMounts(f)
	if err != nil {
		return nil, fmt.Errorf("mounttab: parse %s: %w", path, err)
	}

	tree := pathstate.New()
	for _, e := range entries {
		mp, ok := rebase(e.mountPoint, rootPrefix)
		if !ok {
			continue
		}
		tree.Set(mp, pathstate.SystemMount, pathstate.Payload{
			Fstype: e.fstype,
			Device: e.device,
		})
	}
	return tree, nil
}

// rebase strips rootPrefix from path when path lies under it, reporting
// ok=false if rootPrefix is non-empty and path lies outside it.
func rebase(path, rootPrefix string) (string, bool) {
	if rootPrefix == "" {
		return path, true
	}
	prefix := strings.TrimSuffix(rootPrefix, "/")
	if path == prefix {
		return "/", true
	}
	if strings.HasPrefix(path, prefix+"/") {
		return path[len(prefix):], true
	}
	return "", false
}

func parseMounts(f *os.File) ([]entry, error) {
	var entries []entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		entries = append(entries, entry{
			device:     unescapeMountField(fields[0]),
			mountPoint: unescapeMountField(fields[1]),
			fstype:     fields[2],
			options:    fields[3],
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// unescapeMountField decodes the octal escapes (\040 for space, and so
// on) the kernel uses in /proc/mounts fields.
func unescapeMountField(s string) string {
	if !strings.Contains(s, "\\") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
