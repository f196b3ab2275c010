package base

import (
	"encoding/binary"
	"testing"

	"github.com/cockroachdb/redact"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBatchHeader(t *testing.T) {
	repr := make([]byte, BatchHeaderLen+3)
	binary.LittleEndian.PutUint64(repr, 42)
	binary.LittleEndian.PutUint32(repr[8:], 3)

	h, ok := DecodeBatchHeader(repr)
	require.True(t, ok)
	assert.Equal(t, SeqNum(42), h.SeqNum)
	assert.Equal(t, uint32(3), h.Count)
	assert.Equal(t, SeqNum(45), h.End())

	_, ok = DecodeBatchHeader(repr[:BatchHeaderLen-1])
	assert.False(t, ok)
}

func TestOpForKind(t *testing.T) {
	for _, tc := range []struct {
		kind uint8
		op   Op
		ok   bool
	}{
		{kind: 0, op: OpDelete, ok: true},
		{kind: 1, op: OpPut, ok: true},
		{kind: 3, ok: false},
		{kind: 7, op: OpDelete, ok: true},
		{kind: 15, ok: false},
		{kind: 18, op: OpPut, ok: true},
		{kind: 23, op: OpDelete, ok: true},
	} {
		op, ok := OpForKind(tc.kind)
		assert.Equal(t, tc.ok, ok, "kind %d", tc.kind)
		if tc.ok {
			assert.Equal(t, tc.op, op, "kind %d", tc.kind)
		}
	}
	assert.False(t, ConsumesSeqNum(3))
	assert.True(t, ConsumesSeqNum(1))
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "put", OpPut.String())
	assert.Equal(t, "UNKNOWN:9", Op(9).String())
	assert.Equal(t, "inf", SeqNumMax.String())
	assert.Equal(t, "seq 12 delete", string(redact.Sprintf("seq %s %s", SeqNum(12), OpDelete).Redact()))
}

func TestParseLogFilename(t *testing.T) {
	n, ok := ParseLogFilename("/data/000012.log")
	require.True(t, ok)
	assert.Equal(t, uint64(12), n)

	for _, name := range []string{"MANIFEST-000001", ".log", "abc.log", "000012.sst"} {
		_, ok := ParseLogFilename(name)
		assert.False(t, ok, name)
	}
}
