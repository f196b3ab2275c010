package ulekv

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/errors"

	"ulekv/leafentry"
)

// ErrInvalidCommand marks errors about messages the store refuses to
// apply.
var ErrInvalidCommand = errors.New("invalid command")

func invalidf(format string, args ...interface{}) error {
	return errors.Mark(fmt.Errorf(format, args...), ErrInvalidCommand)
}

// Command is a leaf-entry message as it is written to the Raft log. The
// Raft log is what orders messages, so every replica applies the same
// commands in the same order and ends up with identical packed entries.
type Command struct {
	Type  string   `json:"type"`            // message type name, e.g. "INSERT"
	XIDs  []uint64 `json:"xids,omitempty"`  // transaction stack without the root, outermost first
	Key   []byte   `json:"key,omitempty"`   // empty for broadcast messages
	Value []byte   `json:"value,omitempty"` // only for the insert types
}

// newCommand converts msg to its log form.
func newCommand(msg leafentry.Message) *Command {
	cmd := &Command{
		Type:  msg.Type.String(),
		Key:   msg.Key,
		Value: msg.Val,
	}
	if len(msg.XIDs) > 1 {
		cmd.XIDs = make([]uint64, 0, len(msg.XIDs)-1)
		for _, id := range msg.XIDs[1:] {
			cmd.XIDs = append(cmd.XIDs, uint64(id))
		}
	}
	return cmd
}

// Serialize converts the command to a byte slice for RAFT log storage.
func (c *Command) Serialize() ([]byte, error) {
	return json.Marshal(c)
}

// DeserializeCommand attempts to convert a byte slice back into a Command.
func DeserializeCommand(data []byte) (*Command, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot deserialize empty data")
	}
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("failed to unmarshal command: %w", err)
	}
	return &cmd, nil
}

// Message returns the leaf-entry message carried by the command. Commands
// that would trip an assertion inside the packer are rejected here, since
// a panic while applying the log would take the replica down.
func (c *Command) Message() (leafentry.Message, error) {
	typ, err := leafentry.ParseMessageType(c.Type)
	if err != nil {
		return leafentry.Message{}, invalidf("invalid command: %w", err)
	}
	ids := make([]leafentry.TxnID, len(c.XIDs))
	for i, id := range c.XIDs {
		ids[i] = leafentry.TxnID(id)
	}
	msg := leafentry.Message{
		Type: typ,
		XIDs: leafentry.NewXIDs(ids...),
		Key:  c.Key,
		Val:  c.Value,
	}
	if err := ValidateMessage(msg); err != nil {
		return leafentry.Message{}, err
	}
	return msg, nil
}

// ValidateMessage checks that msg can be applied to the store.
func ValidateMessage(msg leafentry.Message) error {
	if err := msg.XIDs.Validate(); err != nil {
		return invalidf("invalid %s command: %w", msg.Type, err)
	}
	switch msg.Type {
	case leafentry.MsgInsert, leafentry.MsgInsertNoOverwrite,
		leafentry.MsgDeleteAny, leafentry.MsgDeleteBoth:
		if len(msg.Key) == 0 {
			return invalidf("invalid %s command: key is required", msg.Type)
		}
	case leafentry.MsgAbortAny, leafentry.MsgAbortBoth,
		leafentry.MsgCommitAny, leafentry.MsgCommitBoth:
		if len(msg.Key) == 0 {
			return invalidf("invalid %s command: key is required", msg.Type)
		}
		if len(msg.XIDs) < 2 {
			return invalidf("invalid %s command: the root transaction cannot end", msg.Type)
		}
	case leafentry.MsgCommitBroadcastTxn, leafentry.MsgAbortBroadcastTxn:
		if len(msg.XIDs) < 2 {
			return invalidf("invalid %s command: the root transaction cannot end", msg.Type)
		}
	case leafentry.MsgCommitBroadcastAll:
		if len(msg.XIDs) != 1 {
			return invalidf("invalid %s command: xids must be the root", msg.Type)
		}
	default:
		return invalidf("invalid command: unsupported message type %s", msg.Type)
	}
	return nil
}
