package pathstate

import (
	"fmt"
	"io"
)

// Dump writes a diagnostic pretty-printed listing of every
// non-Unchanged node in the tree to w, one line per node.
func (t *Tree) Dump(w io.Writer) {
	t.Walk(func(e Entry) {
		switch e.Disposition {
		case SystemMount:
			fmt.Fprintf(w, "%-40s %-20s fstype=%s device=%s\n", e.Path, e.Disposition, e.Payload.Fstype, e.Payload.Device)
		case OverlayMounted, FakeOverlayMounted:
			fmt.Fprintf(w, "%-40s %-20s upperdir=%s\n", e.Path, e.Disposition, e.Payload.Upperdir)
		default:
			fmt.Fprintf(w, "%-40s %-20s\n", e.Path, e.Disposition)
		}
	})
}
