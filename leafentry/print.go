package leafentry

import (
	"fmt"
	"io"
)

// Fprint writes a human readable rendering of le to w, one line for the
// key and one per transaction record, outermost first. An empty entry
// prints as "<no entry>". Malformed bytes are reported as an error and
// nothing is written.
func Fprint(w io.Writer, le LeafEntry) error {
	if len(le) == 0 {
		_, err := fmt.Fprintln(w, "<no entry>")
		return err
	}
	u, err := decode(le)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "key=%q n=%d size=%d\n", u.Key, len(u.UXRs), len(le)); err != nil {
		return err
	}
	for i, x := range u.UXRs {
		if _, err := fmt.Fprintf(w, "  %d: %s\n", i, x); err != nil {
			return err
		}
	}
	return nil
}
