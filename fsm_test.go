package ulekv

import (
	"archive/tar"
	"bytes"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ulekv/leafentry"
)

// memSink is an in-memory raft.SnapshotSink.
type memSink struct {
	bytes.Buffer
	cancelled bool
}

func (s *memSink) ID() string    { return "mem" }
func (s *memSink) Cancel() error { s.cancelled = true; return nil }
func (s *memSink) Close() error  { return nil }

func setupFSM(t *testing.T) *pebbleFSM {
	t.Helper()
	logger := log.New(os.Stdout, "[fsm-test] ", log.LstdFlags|log.Lmicroseconds)
	fsm, err := newPebbleFSM(filepath.Join(t.TempDir(), "db"), 1<<12, logger)
	require.NoError(t, err)
	t.Cleanup(func() { fsm.Close() })
	return fsm
}

func applyLog(t *testing.T, fsm *pebbleFSM, index uint64, msg leafentry.Message) interface{} {
	t.Helper()
	data, err := newCommand(msg).Serialize()
	require.NoError(t, err)
	return fsm.Apply(&raft.Log{Index: index, Data: data})
}

func fsmGet(t *testing.T, fsm *pebbleFSM, key string) string {
	t.Helper()
	var v []byte
	require.NoError(t, fsm.read(func(s *LeafStore) (err error) {
		v, err = s.Get([]byte(key))
		return err
	}))
	return string(v)
}

func TestPebbleFSMApply(t *testing.T) {
	fsm := setupFSM(t)

	resp := applyLog(t, fsm, 1, insertMsg(leafentry.NewXIDs(2), "k", "v"))
	assert.Equal(t, applyResult{Keys: 1}, resp)
	assert.Equal(t, "v", fsmGet(t, fsm, "k"))

	resp = fsm.Apply(&raft.Log{Index: 2, Data: []byte("not json")})
	assert.Error(t, resp.(error))

	resp = applyLog(t, fsm, 3, keyMsg(leafentry.MsgAbortAny, leafentry.NewXIDs(), "k"))
	assert.Error(t, resp.(error))

	resp = applyLog(t, fsm, 4, leafentry.Message{Type: leafentry.MsgAbortBroadcastTxn, XIDs: leafentry.NewXIDs(2)})
	assert.Equal(t, applyResult{Keys: 1}, resp)
}

func TestPebbleFSMSnapshotRestore(t *testing.T) {
	src := setupFSM(t)
	applyLog(t, src, 1, insertMsg(leafentry.NewXIDs(), "a", "a0"))
	applyLog(t, src, 2, insertMsg(leafentry.NewXIDs(1), "b", "b1"))

	snap, err := src.Snapshot()
	require.NoError(t, err)
	var sink memSink
	require.NoError(t, snap.Persist(&sink))
	assert.False(t, sink.cancelled)
	archive := sink.Bytes()
	snap.Release()
	checkpointDir := snap.(*pebbleFSMSnapshot).checkpointDir
	_, err = os.Stat(checkpointDir)
	assert.True(t, os.IsNotExist(err))

	// Writes after the snapshot are undone by restoring it.
	applyLog(t, src, 3, insertMsg(leafentry.NewXIDs(), "c", "c0"))
	require.NoError(t, src.Restore(io.NopCloser(bytes.NewReader(archive))))
	assert.Equal(t, "a0", fsmGet(t, src, "a"))
	assert.Equal(t, "b1", fsmGet(t, src, "b"))
	require.Error(t, src.read(func(s *LeafStore) error {
		_, err := s.Get([]byte("c"))
		return err
	}))

	dst := setupFSM(t)
	require.NoError(t, dst.Restore(io.NopCloser(bytes.NewReader(archive))))
	assert.Equal(t, "b1", fsmGet(t, dst, "b"))
	resp := applyLog(t, dst, 3, leafentry.Message{Type: leafentry.MsgCommitBroadcastTxn, XIDs: leafentry.NewXIDs(1)})
	assert.Equal(t, applyResult{Keys: 1}, resp)
	var le leafentry.LeafEntry
	require.NoError(t, dst.read(func(s *LeafStore) (err error) {
		le, err = s.Entry([]byte("b"))
		return err
	}))
	assert.True(t, le.IsCommitted())
}

func TestExtractArchiveRejectsEscapingPaths(t *testing.T) {
	var buf bytes.Buffer
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0644))
	require.NoError(t, archiveDir(&buf, dir))

	out := t.TempDir()
	require.NoError(t, extractArchive(bytes.NewReader(buf.Bytes()), out))
	data, err := os.ReadFile(filepath.Join(out, "f"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))

	var evil bytes.Buffer
	tw := tar.NewWriter(&evil)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../escape", Typeflag: tar.TypeReg, Mode: 0644, Size: 1}))
	_, err = tw.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.Error(t, extractArchive(bytes.NewReader(evil.Bytes()), t.TempDir()))
}
