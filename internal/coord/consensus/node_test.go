package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_WithDefaults(t *testing.T) {
	cfg, err := Config{NodeID: " coord-1 ", RaftAddr: "127.0.0.1:7100", DataDir: t.TempDir()}.withDefaults()
	require.NoError(t, err)
	assert.Equal(t, "coord-1", cfg.NodeID)
	assert.Equal(t, defaultSnapshotRetain, cfg.SnapshotRetain)
	assert.Equal(t, defaultApplyTimeout, cfg.ApplyTimeout)

	_, err = Config{RaftAddr: "127.0.0.1:7100", DataDir: "/tmp"}.withDefaults()
	assert.ErrorIs(t, err, ErrNodeIDRequired)
	_, err = Config{NodeID: "coord-1", DataDir: "/tmp"}.withDefaults()
	assert.ErrorIs(t, err, ErrRaftAddrRequired)
	_, err = Config{NodeID: "coord-1", RaftAddr: "127.0.0.1:7100", DataDir: "  "}.withDefaults()
	assert.ErrorIs(t, err, ErrDataDirRequired)
}

func TestBoundedTimeout(t *testing.T) {
	d, err := boundedTimeout(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err = boundedTimeout(ctx, 5*time.Second)
	require.NoError(t, err)
	assert.LessOrEqual(t, d, time.Second)
	assert.Positive(t, d)

	expired, cancelExpired := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancelExpired()
	_, err = boundedTimeout(expired, 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
