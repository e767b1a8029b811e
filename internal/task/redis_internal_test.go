package task

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCreateReleasesGuardOnWriteFailure simulates a create whose single-flight
// guard won but whose write transaction never landed: only the guard field
// exists and the hash has no TTL. After the guard release, creating the same
// id must succeed and leave a fully expiring record.
func TestCreateReleasesGuardOnWriteFailure(t *testing.T) {
	t.Parallel()

	addr := os.Getenv("SURVEYFORGE_TEST_REDIS")
	if addr == "" {
		t.Skip("SURVEYFORGE_TEST_REDIS not set")
	}

	ctx := context.Background()

	reg, err := NewRedisRegistry(ctx, RedisConfig{
		Addr:   addr,
		Prefix: "surveyforge-test-" + uuid.NewString(),
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = reg.Close() })

	id := uuid.NewString()

	won, err := reg.client.HSetNX(ctx, reg.key(id), hfID, id).Result()
	require.NoError(t, err)
	require.True(t, won)

	// The stranded guard blocks any further create of this id.
	assert.ErrorIs(t, reg.Create(ctx, id, nil), ErrTaskExists)

	reg.releaseCreateGuard(id)

	require.NoError(t, reg.Create(ctx, id, map[string]any{"topic": "retry"}))

	rec, err := reg.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)

	ttl, err := reg.client.TTL(ctx, reg.key(id)).Result()
	require.NoError(t, err)
	assert.Positive(t, ttl)
}
