package predict

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/cryptoguard/internal/idgen"
	"github.com/mbd888/cryptoguard/internal/scoring"
	"github.com/mbd888/cryptoguard/internal/testutil"
)

func testRecord(address string, score int) *ScoreRecord {
	tier := scoring.TierLow
	switch {
	case score >= 67:
		tier = scoring.TierHigh
	case score >= 33:
		tier = scoring.TierMedium
	}
	return &ScoreRecord{
		ID:           idgen.WithPrefix("scr_"),
		Address:      address,
		Probability:  float64(score) / 100,
		Score:        score,
		Tier:         tier,
		ModelVersion: "pg-test-1",
		TopFactors: []scoring.Factor{
			{Name: "tx_count", Contribution: 0.12, Direction: "increases risk"},
		},
		CreatedAt: time.Now().UTC(),
	}
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx))

	rec := testRecord(cleanAddr, 72)
	require.NoError(t, store.Record(ctx, rec))

	got, err := store.ListByAddress(ctx, cleanAddr, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, rec.ID, got[0].ID)
	assert.Equal(t, cleanAddr, got[0].Address)
	assert.InDelta(t, 0.72, got[0].Probability, 1e-9)
	assert.Equal(t, 72, got[0].Score)
	assert.Equal(t, scoring.TierHigh, got[0].Tier)
	assert.Equal(t, "pg-test-1", got[0].ModelVersion)
	require.Len(t, got[0].TopFactors, 1)
	assert.Equal(t, "tx_count", got[0].TopFactors[0].Name)
}

func TestPostgresStoreListOrderAndLimit(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx))

	for i := 0; i < 5; i++ {
		rec := testRecord(cleanAddr, 10+i)
		rec.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Record(ctx, rec))
	}

	got, err := store.ListByAddress(ctx, cleanAddr, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)

	// Newest first.
	assert.Equal(t, 14, got[0].Score)
	assert.Equal(t, 13, got[1].Score)
	assert.Equal(t, 12, got[2].Score)
}

func TestPostgresStoreIsolatesAddresses(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx))

	require.NoError(t, store.Record(ctx, testRecord(cleanAddr, 20)))
	require.NoError(t, store.Record(ctx, testRecord(otherAddr, 80)))

	got, err := store.ListByAddress(ctx, cleanAddr, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, cleanAddr, got[0].Address)
}
