package ulekv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ulekv/leafentry"
)

func TestCommandRoundTrip(t *testing.T) {
	msgs := []leafentry.Message{
		insertMsg(leafentry.NewXIDs(), "k", "v"),
		insertMsg(leafentry.NewXIDs(3, 9), "k", ""),
		keyMsg(leafentry.MsgDeleteBoth, leafentry.NewXIDs(4), "k"),
		keyMsg(leafentry.MsgAbortAny, leafentry.NewXIDs(4), "k"),
		{Type: leafentry.MsgCommitBroadcastTxn, XIDs: leafentry.NewXIDs(4, 5)},
		{Type: leafentry.MsgCommitBroadcastAll, XIDs: leafentry.NewXIDs()},
	}
	for _, msg := range msgs {
		t.Run(msg.Type.String(), func(t *testing.T) {
			data, err := newCommand(msg).Serialize()
			require.NoError(t, err)
			cmd, err := DeserializeCommand(data)
			require.NoError(t, err)
			got, err := cmd.Message()
			require.NoError(t, err)
			assert.Equal(t, msg.Type, got.Type)
			assert.Equal(t, msg.XIDs, got.XIDs)
			assert.Equal(t, string(msg.Key), string(got.Key))
			assert.Equal(t, string(msg.Val), string(got.Val))
		})
	}
}

func TestCommandWireFormat(t *testing.T) {
	data, err := newCommand(insertMsg(leafentry.NewXIDs(17, 42), "k", "v")).Serialize()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"INSERT","xids":[17,42],"key":"aw==","value":"dg=="}`, string(data))
}

func TestDeserializeCommandErrors(t *testing.T) {
	_, err := DeserializeCommand(nil)
	assert.Error(t, err)
	_, err = DeserializeCommand([]byte("{"))
	assert.Error(t, err)

	for _, data := range []string{
		`{"type":"UPSERT","key":"aw=="}`,
		`{"type":"NONE","key":"aw=="}`,
		`{"type":"ABORT_ANY","key":"aw=="}`,
		`{"type":"INSERT","xids":[0],"key":"aw=="}`,
		`{"type":"INSERT","xids":[2,2],"key":"aw=="}`,
		`{"type":"DELETE_ANY"}`,
	} {
		cmd, err := DeserializeCommand([]byte(data))
		require.NoError(t, err, data)
		_, err = cmd.Message()
		assert.Error(t, err, data)
	}
}
