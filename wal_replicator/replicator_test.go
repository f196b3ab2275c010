package wal_replicator

import (
	"bytes"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"ulekv/internal/base"
)

type sinkFunc func([]WALUpdate) (int, error)

func (f sinkFunc) ApplyUpdates(u []WALUpdate) (int, error) { return f(u) }

func TestWALServiceReportsSinkErrors(t *testing.T) {
	var logBuffer bytes.Buffer
	svc := &WALService{
		sink:   sinkFunc(func([]WALUpdate) (int, error) { return 0, errors.New("disk full") }),
		logger: log.New(&logBuffer, "", 0),
	}
	var reply WALApplyReply
	err := svc.ApplyWALUpdates(WALApplyRequest{Updates: []WALUpdate{{SeqNum: 10, Op: base.OpDelete, Key: []byte("k")}}}, &reply)
	assert.NoError(t, err)
	assert.Equal(t, "disk full", reply.Error)
	assert.Equal(t, 0, reply.AppliedCount)
	assert.Contains(t, logBuffer.String(), "ERROR: failed to apply 1 WAL updates")

	svc.sink = sinkFunc(func(u []WALUpdate) (int, error) { return len(u), nil })
	reply = WALApplyReply{}
	assert.NoError(t, svc.ApplyWALUpdates(WALApplyRequest{Updates: make([]WALUpdate, 3)}, &reply))
	assert.Equal(t, 3, reply.AppliedCount)
	assert.Empty(t, reply.Error)
}

type staticCluster struct {
	primary bool
	nodes   map[string]string
}

func (c *staticCluster) IsPrimary() bool                   { return c.primary }
func (c *staticCluster) GetPrimary() string                { return "" }
func (c *staticCluster) GetActiveNodes() map[string]string { return c.nodes }

type failingSource struct{ calls int }

func (s *failingSource) GetLatestSequenceNumber() (base.SeqNum, error) {
	s.calls++
	return 0, errors.New("closed")
}

func (s *failingSource) GetUpdatesSince(base.SeqNum) ([]WALUpdate, error) {
	return nil, errors.New("closed")
}

func TestReplicatorIdleWhenNotPrimary(t *testing.T) {
	cluster := &staticCluster{nodes: map[string]string{"n2": "127.0.0.1:1"}}
	source := &failingSource{}
	r := NewReplicator(log.New(&bytes.Buffer{}, "", 0), "n1", time.Hour, cluster, cluster, source)

	r.reconcileFollowerConnections()
	r.pushWALUpdates()
	assert.Empty(t, r.FollowerSequences())
	assert.Equal(t, 0, source.calls)

	// Nothing listens on port 1, so the follower stays unconnected.
	cluster.primary = true
	r.reconcileFollowerConnections()
	assert.Empty(t, r.FollowerSequences())

	r.Start()
	r.TriggerReconciliation()
	r.TriggerReconciliation()
	r.Stop()
	r.Stop()
}
