package leafentry

import (
	"fmt"

	"github.com/cockroachdb/redact"
)

// MessageType enumerates the operations a message can carry to a leaf
// entry. The numeric values match the upstream message log and MUST NOT
// change.
type MessageType uint8

const (
	MsgNone   MessageType = 0
	MsgInsert MessageType = 1
	// MsgDeleteAny and MsgDeleteBoth differ only in how the enclosing tree
	// routes them; at a leaf entry both delete.
	MsgDeleteAny  MessageType = 2
	MsgDeleteBoth MessageType = 3
	MsgAbortAny   MessageType = 4
	MsgAbortBoth  MessageType = 5
	MsgCommitAny  MessageType = 6
	MsgCommitBoth MessageType = 7
	// MsgCommitBroadcastAll commits every uncommitted level of the entry.
	MsgCommitBroadcastAll MessageType = 8
	// MsgCommitBroadcastTxn and MsgAbortBroadcastTxn are delivered to every
	// entry that carries the transaction (see LeafEntry.HasXIDs).
	MsgCommitBroadcastTxn MessageType = 9
	MsgAbortBroadcastTxn  MessageType = 10
	// MsgInsertNoOverwrite inserts only if the innermost record is not
	// already an insert.
	MsgInsertNoOverwrite MessageType = 11

	msgTypeMax = MsgInsertNoOverwrite
)

var messageTypeNames = []string{
	MsgNone:               "NONE",
	MsgInsert:             "INSERT",
	MsgDeleteAny:          "DELETE_ANY",
	MsgDeleteBoth:         "DELETE_BOTH",
	MsgAbortAny:           "ABORT_ANY",
	MsgAbortBoth:          "ABORT_BOTH",
	MsgCommitAny:          "COMMIT_ANY",
	MsgCommitBoth:         "COMMIT_BOTH",
	MsgCommitBroadcastAll: "COMMIT_BROADCAST_ALL",
	MsgCommitBroadcastTxn: "COMMIT_BROADCAST_TXN",
	MsgAbortBroadcastTxn:  "ABORT_BROADCAST_TXN",
	MsgInsertNoOverwrite:  "INSERT_NO_OVERWRITE",
}

func (t MessageType) String() string {
	if int(t) < len(messageTypeNames) {
		return messageTypeNames[t]
	}
	return fmt.Sprintf("UNKNOWN:%d", uint8(t))
}

// SafeFormat implements redact.SafeFormatter.
func (t MessageType) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(t.String()))
}

// ParseMessageType returns the MessageType with the given name.
func ParseMessageType(name string) (MessageType, error) {
	for i, n := range messageTypeNames {
		if n == name && MessageType(i) != MsgNone {
			return MessageType(i), nil
		}
	}
	return MsgNone, fmt.Errorf("unknown message type %q", name)
}

// IsBroadcast reports whether messages of type t address every entry
// carrying a transaction rather than a single key.
func (t MessageType) IsBroadcast() bool {
	switch t {
	case MsgCommitBroadcastAll, MsgCommitBroadcastTxn, MsgAbortBroadcastTxn:
		return true
	}
	return false
}

// Message is a single operation addressed to a leaf entry. Val is only
// meaningful for the insert types.
type Message struct {
	Type MessageType
	XIDs XIDs
	Key  []byte
	Val  []byte
}

// SafeFormat implements redact.SafeFormatter. The key and value are
// redactable.
func (m Message) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%s xids=%s key=%q", m.Type, redact.SafeString(m.XIDs.String()), m.Key)
	if m.Type == MsgInsert || m.Type == MsgInsertNoOverwrite {
		w.Printf(" val=%q", m.Val)
	}
}

func (m Message) String() string {
	return redact.StringWithoutMarkers(m)
}
