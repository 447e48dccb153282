package predict

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/cryptoguard/internal/cache"
	"github.com/mbd888/cryptoguard/internal/features"
	"github.com/mbd888/cryptoguard/internal/model"
	"github.com/mbd888/cryptoguard/internal/provider"
	"github.com/mbd888/cryptoguard/internal/scoring"
	"github.com/mbd888/cryptoguard/internal/validation"
	"github.com/mbd888/cryptoguard/internal/watchlist"
)

const (
	cleanAddr   = "0x1111111111111111111111111111111111111111"
	otherAddr   = "0x2222222222222222222222222222222222222222"
	flaggedAddr = "0x8576acc5c05d6ce88f4e49bf65bdf0c62f91353c"
)

// stubProvider serves canned histories and counts calls. Failures can be
// global (err) or scoped to a single address (errs).
type stubProvider struct {
	mu        sync.Mutex
	calls     atomic.Int64
	histories map[string][]features.TransactionRecord
	err       error
	errs      map[string]error
	delay     time.Duration
}

func (p *stubProvider) History(ctx context.Context, address string) ([]features.TransactionRecord, error) {
	p.calls.Add(1)
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	if err, ok := p.errs[address]; ok {
		return nil, err
	}
	return p.histories[address], nil
}

func basicHistory() []features.TransactionRecord {
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	return []features.TransactionRecord{
		{Direction: features.DirectionReceived, Counterparty: otherAddr, ValueETH: 2, Timestamp: base, GasUsed: 21000},
		{Direction: features.DirectionSent, Counterparty: otherAddr, ValueETH: 1, Timestamp: base.Add(time.Hour), GasUsed: 21000},
		{Direction: features.DirectionSent, Counterparty: otherAddr, ValueETH: 0.5, Timestamp: base.Add(2 * time.Hour), IsContract: true, GasUsed: 60000},
	}
}

func servingBundle() *model.Bundle {
	return &model.Bundle{
		Version:      "serve-test-1",
		TrainedAt:    time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC),
		FeatureNames: features.Names(),
		Baselines:    make([]float64, features.Count),
		BaseScore:    -1.0,
		Trees: []model.Tree{
			{Nodes: []model.Node{
				{Feature: features.TxCount, Threshold: 10, Left: 1, Right: 2},
				{Leaf: true, Value: 0.2},
				{Leaf: true, Value: 1.4},
			}},
		},
	}
}

type fixture struct {
	svc      *Service
	provider *stubProvider
	registry *model.Registry
	store    *MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	p := &stubProvider{histories: map[string][]features.TransactionRecord{
		cleanAddr: basicHistory(),
		otherAddr: basicHistory(),
	}}
	registry := model.NewRegistry(features.Names())
	require.NoError(t, registry.Install(servingBundle()))
	store := NewMemoryStore()

	svc := NewService(Options{
		Provider:         p,
		Registry:         registry,
		Engine:           scoring.NewEngine(scoring.DefaultThresholds(), 5),
		Cache:            cache.New(time.Minute, 100),
		Watchlist:        watchlist.Default(),
		Store:            store,
		BatchMaxSize:     10,
		BatchConcurrency: 4,
	})
	return &fixture{svc: svc, provider: p, registry: registry, store: store}
}

func TestPredictEndToEnd(t *testing.T) {
	f := newFixture(t)

	res, cached, err := f.svc.Predict(context.Background(), cleanAddr)
	require.NoError(t, err)

	assert.False(t, cached)
	assert.Equal(t, cleanAddr, res.Address)
	assert.Equal(t, "serve-test-1", res.ModelVersion)
	assert.GreaterOrEqual(t, res.Probability, 0.0)
	assert.LessOrEqual(t, res.Probability, 1.0)
	assert.Equal(t, int(res.Probability*100+0.5), res.Score)
	assert.False(t, res.Tier.LessSevere(scoring.TierLow))
}

func TestPredictCanonicalizesAddress(t *testing.T) {
	f := newFixture(t)

	res, _, err := f.svc.Predict(context.Background(), "0x1111111111111111111111111111111111111111")
	require.NoError(t, err)
	upper, cached, err := f.svc.Predict(context.Background(), "0X1111111111111111111111111111111111111111")
	require.NoError(t, err)

	assert.Equal(t, res.Address, upper.Address)
	assert.True(t, cached, "case variant must hit the same cache entry")
	assert.Equal(t, int64(1), f.provider.calls.Load())
}

func TestPredictRejectsInvalidAddress(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.Predict(context.Background(), "not-an-address")
	assert.ErrorIs(t, err, validation.ErrInvalidAddress)
	assert.Zero(t, f.provider.calls.Load())
}

func TestPredictCacheHitSkipsProvider(t *testing.T) {
	f := newFixture(t)

	_, cached, err := f.svc.Predict(context.Background(), cleanAddr)
	require.NoError(t, err)
	assert.False(t, cached)

	_, cached, err = f.svc.Predict(context.Background(), cleanAddr)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, int64(1), f.provider.calls.Load())
}

func TestPredictConcurrentRequestsShareOneComputation(t *testing.T) {
	f := newFixture(t)
	f.provider.delay = 20 * time.Millisecond

	const workers = 12
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, _, err := f.svc.Predict(context.Background(), cleanAddr)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), f.provider.calls.Load())
}

func TestPredictNoModelLoaded(t *testing.T) {
	f := newFixture(t)
	empty := model.NewRegistry(features.Names())
	f.svc.registry = empty

	_, _, err := f.svc.Predict(context.Background(), cleanAddr)
	assert.ErrorIs(t, err, model.ErrUnavailable)
}

func TestWatchlistOverride(t *testing.T) {
	f := newFixture(t)

	res, cached, err := f.svc.Predict(context.Background(), flaggedAddr)
	require.NoError(t, err)

	assert.False(t, cached)
	assert.Equal(t, scoring.TierHigh, res.Tier)
	assert.Equal(t, 95, res.Score)
	require.NotEmpty(t, res.TopFactors)
	assert.Equal(t, "known_phishing_address", res.TopFactors[0].Name)
	assert.Zero(t, f.provider.calls.Load(), "watchlisted addresses skip the provider")
}

func TestBatchPreservesOrderAndIsolatesFailures(t *testing.T) {
	f := newFixture(t)

	items, err := f.svc.PredictBatch(context.Background(), []string{cleanAddr, "garbage", otherAddr})
	require.NoError(t, err)
	require.Len(t, items, 3)

	assert.Equal(t, cleanAddr, items[0].Address)
	require.NotNil(t, items[0].Result)

	assert.Equal(t, "garbage", items[1].Address)
	assert.Nil(t, items[1].Result)
	assert.Equal(t, "invalid_address", items[1].Error)

	assert.Equal(t, otherAddr, items[2].Address)
	require.NotNil(t, items[2].Result)
}

func TestBatchIsolatesProviderFailure(t *testing.T) {
	f := newFixture(t)
	const thirdAddr = "0x3333333333333333333333333333333333333333"
	f.provider.histories[thirdAddr] = basicHistory()
	f.provider.errs = map[string]error{otherAddr: provider.ErrUnavailable}

	items, err := f.svc.PredictBatch(context.Background(),
		[]string{cleanAddr, otherAddr, thirdAddr, cleanAddr, thirdAddr})
	require.NoError(t, err)
	require.Len(t, items, 5)

	assert.Equal(t, otherAddr, items[1].Address)
	assert.Nil(t, items[1].Result)
	assert.Equal(t, "provider_unavailable", items[1].Error)

	for _, i := range []int{0, 2, 3, 4} {
		require.NotNil(t, items[i].Result, "item %d must succeed", i)
		assert.Empty(t, items[i].Error)
	}
	assert.Equal(t, cleanAddr, items[0].Address)
	assert.Equal(t, thirdAddr, items[2].Address)
}

func TestBatchTooLarge(t *testing.T) {
	f := newFixture(t)
	addresses := make([]string, 11)
	for i := range addresses {
		addresses[i] = cleanAddr
	}

	_, err := f.svc.PredictBatch(context.Background(), addresses)
	assert.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestReloadInvalidatesCacheByVersion(t *testing.T) {
	f := newFixture(t)

	res1, _, err := f.svc.Predict(context.Background(), cleanAddr)
	require.NoError(t, err)
	assert.Equal(t, "serve-test-1", res1.ModelVersion)

	v2 := servingBundle()
	v2.Version = "serve-test-2"
	require.NoError(t, f.registry.Install(v2))

	res2, cached, err := f.svc.Predict(context.Background(), cleanAddr)
	require.NoError(t, err)
	assert.False(t, cached, "new model version must not serve old cache entries")
	assert.Equal(t, "serve-test-2", res2.ModelVersion)
	assert.Equal(t, int64(2), f.provider.calls.Load())
}

func TestFeaturesForReturnsNamedVector(t *testing.T) {
	f := newFixture(t)

	address, vec, err := f.svc.FeaturesFor(context.Background(), cleanAddr)
	require.NoError(t, err)
	assert.Equal(t, cleanAddr, address)
	assert.Equal(t, features.SchemaVersion, vec.SchemaVersion)

	named := vec.Named()
	assert.Equal(t, 3.0, named["tx_count"])
	assert.Len(t, named, features.Count)
}

func TestAuditRecordsServedAssessments(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.svc.Predict(context.Background(), cleanAddr)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		records, err := f.store.ListByAddress(context.Background(), cleanAddr, 10)
		return err == nil && len(records) == 1
	}, time.Second, 10*time.Millisecond)

	records, err := f.svc.History(context.Background(), cleanAddr, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, cleanAddr, records[0].Address)
	assert.Equal(t, "serve-test-1", records[0].ModelVersion)
	assert.NotEmpty(t, records[0].ID)
}
