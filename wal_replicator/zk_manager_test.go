package wal_replicator

import (
	"bytes"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLowestSequential(t *testing.T) {
	assert.Equal(t, "", lowestSequential(nil))
	assert.Equal(t, "n_0000000003", lowestSequential([]string{"n_0000000010", "n_0000000003", "n_0000000007"}))
	// Sequence numbers decide, not the prefix.
	assert.Equal(t, "_c_1f2e-n_0000000001", lowestSequential([]string{"n_0000000002", "_c_1f2e-n_0000000001"}))
	assert.Equal(t, "n_0000000004", lowestSequential([]string{"short", "n_00000000xx", "n_0000000004"}))
}

func TestZKManagerWithoutServers(t *testing.T) {
	var logBuffer bytes.Buffer
	calls := 0
	zkm := NewZKManager(log.New(&logBuffer, "", 0), "n1", func() { calls++ })

	require.NoError(t, zkm.Connect(nil))
	assert.False(t, zkm.Connected())
	assert.Contains(t, logBuffer.String(), "No ZooKeeper servers specified")

	require.NoError(t, zkm.Start("127.0.0.1:9000"))
	require.NoError(t, zkm.RegisterNode())
	assert.False(t, zkm.IsPrimary())
	assert.Equal(t, "", zkm.GetPrimary())
	assert.Empty(t, zkm.GetActiveNodes())
	zkm.Close()
	assert.Equal(t, 0, calls)
}
