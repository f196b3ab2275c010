package main

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ulekv/leafentry"
)

func TestInspect(t *testing.T) {
	le, err := leafentry.Apply(nil, leafentry.Message{
		Type: leafentry.MsgInsert,
		XIDs: leafentry.NewXIDs(),
		Key:  []byte("k"),
		Val:  []byte("v"),
	}, nil)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, inspect(&out, hex.EncodeToString(le)))
	assert.Contains(t, out.String(), `key="k" n=1`)

	out.Reset()
	require.NoError(t, inspect(&out, ""))
	assert.Equal(t, "<no entry>\n", out.String())

	assert.Error(t, inspect(&out, "zz"))
	err = inspect(&out, "ff01")
	require.Error(t, err)
	assert.True(t, leafentry.IsCorruptionError(err), "%v", err)
}

func TestInspectCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"inspect"})
	assert.Error(t, cmd.Execute())

	out.Reset()
	cmd.SetArgs([]string{"inspect", ""})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "<no entry>\n", out.String())
}
