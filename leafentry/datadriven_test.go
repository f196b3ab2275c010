package leafentry

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/stretchr/testify/require"
)

func TestApplyDataDriven(t *testing.T) {
	var le LeafEntry
	datadriven.RunTest(t, "testdata/apply", func(t *testing.T, d *datadriven.TestData) string {
		switch d.Cmd {
		case "reset":
			le = nil
			return ""

		case "apply":
			msg := scanMessage(t, d)
			next, err := Apply(le, msg, nil)
			require.NoError(t, err)
			le = next
			return printEntry(t, le)

		case "pack":
			key, _ := cmdArg(d, "key")
			u := NewULE([]byte(key))
			for _, line := range strings.Split(strings.TrimSpace(d.Input), "\n") {
				x, err := parseUXR(line)
				if err != nil {
					d.Fatalf(t, "%v", err)
				}
				u.UXRs = append(u.UXRs, x)
			}
			require.NoError(t, u.CheckInvariants())
			next, err := Pack(&u, nil)
			require.NoError(t, err)
			le = next
			return printEntry(t, le)

		case "full-promote":
			commit := Message{
				Type: MsgCommitBroadcastTxn,
				XIDs: NewXIDs(le.OutermostUncommittedXID()),
			}
			want, err := Apply(le, commit, nil)
			require.NoError(t, err)
			le = FullPromote(le)
			require.Equal(t, want, le)
			return printEntry(t, le)

		case "hex":
			return hex.EncodeToString(le)

		case "query":
			return queryEntry(le)

		case "has-xids":
			xids := scanXIDs(t, d)
			return strconv.FormatBool(le.HasXIDs(xids))

		default:
			d.Fatalf(t, "unknown command %q", d.Cmd)
			return ""
		}
	})
}

// cmdArg returns the named argument, joining multiple values with commas.
func cmdArg(d *datadriven.TestData, key string) (string, bool) {
	for _, arg := range d.CmdArgs {
		if arg.Key == key {
			return strings.Join(arg.Vals, ","), true
		}
	}
	return "", false
}

func scanXIDs(t *testing.T, d *datadriven.TestData) XIDs {
	s, _ := cmdArg(d, "xids")
	xids, err := ParseXIDs(s)
	if err != nil {
		d.Fatalf(t, "%v", err)
	}
	return xids
}

func scanMessage(t *testing.T, d *datadriven.TestData) Message {
	name, ok := cmdArg(d, "type")
	if !ok {
		d.Fatalf(t, "apply needs type=")
	}
	typ, err := ParseMessageType(name)
	if err != nil {
		d.Fatalf(t, "%v", err)
	}
	msg := Message{Type: typ, XIDs: scanXIDs(t, d)}
	if key, ok := cmdArg(d, "key"); ok {
		msg.Key = []byte(key)
	}
	if val, ok := cmdArg(d, "val"); ok {
		msg.Val = []byte(val)
	}
	return msg
}

// parseUXR parses "TAG@xid [value]".
func parseUXR(line string) (UXR, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return UXR{}, fmt.Errorf("empty record")
	}
	tagName, xidStr, ok := strings.Cut(fields[0], "@")
	if !ok {
		return UXR{}, fmt.Errorf("bad record %q", line)
	}
	xid, err := strconv.ParseUint(xidStr, 10, 64)
	if err != nil {
		return UXR{}, err
	}
	for tag := TagInsert; tag <= TagPlaceholder; tag++ {
		if tag.String() != tagName {
			continue
		}
		x := UXR{Tag: tag, TxnID: TxnID(xid)}
		if tag == TagInsert {
			x.Val = []byte{}
			if len(fields) > 1 {
				x.Val = []byte(fields[1])
			}
		}
		return x, nil
	}
	return UXR{}, fmt.Errorf("unknown tag %q", tagName)
}

func printEntry(t *testing.T, le LeafEntry) string {
	var buf bytes.Buffer
	require.NoError(t, Fprint(&buf, le))
	return buf.String()
}

func quoteOrNil(b []byte) string {
	if b == nil {
		return "<nil>"
	}
	return strconv.Quote(string(b))
}

func queryEntry(le LeafEntry) string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "n=%d committed=%t provdel=%t outermost-uncommitted=%d\n",
		le.NumUXRs(), le.IsCommitted(), le.IsProvDel(), le.OutermostUncommittedXID())
	fmt.Fprintf(&buf, "key=%s latest-key=%s latest-val=%s\n",
		quoteOrNil(le.Key()), quoteOrNil(le.LatestKey()), quoteOrNil(le.LatestVal()))
	fmt.Fprintf(&buf, "outermost-key=%s outermost-val=%s\n",
		quoteOrNil(le.OutermostKey()), quoteOrNil(le.OutermostVal()))
	fmt.Fprintf(&buf, "innermost-insert=%s size=%d\n",
		quoteOrNil(le.InnermostInsertedVal()), le.MemSize())
	return buf.String()
}
