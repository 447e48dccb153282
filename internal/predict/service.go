package predict

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/cryptoguard/internal/cache"
	"github.com/mbd888/cryptoguard/internal/features"
	"github.com/mbd888/cryptoguard/internal/idgen"
	"github.com/mbd888/cryptoguard/internal/logging"
	"github.com/mbd888/cryptoguard/internal/metrics"
	"github.com/mbd888/cryptoguard/internal/model"
	"github.com/mbd888/cryptoguard/internal/provider"
	"github.com/mbd888/cryptoguard/internal/scoring"
	"github.com/mbd888/cryptoguard/internal/validation"
	"github.com/mbd888/cryptoguard/internal/watchlist"
)

// ErrBatchTooLarge is returned when a batch request exceeds the size limit.
var ErrBatchTooLarge = errors.New("batch exceeds maximum size")

// watchlistScore is served for flagged addresses regardless of model output.
const watchlistScore = 95

// Options configures a Service.
type Options struct {
	Provider         provider.HistoryProvider
	Registry         *model.Registry
	Engine           *scoring.Engine
	Cache            *cache.Cache
	Watchlist        *watchlist.Watchlist
	Store            Store
	BatchMaxSize     int
	BatchConcurrency int
}

// Service runs the prediction pipeline.
type Service struct {
	provider         provider.HistoryProvider
	registry         *model.Registry
	engine           *scoring.Engine
	cache            *cache.Cache
	watchlist        *watchlist.Watchlist
	store            Store
	batchMaxSize     int
	batchConcurrency int
	now              func() time.Time
}

// NewService wires the pipeline together. Store and Watchlist may be nil;
// a nil watchlist disables overrides and a nil store disables history.
func NewService(opts Options) *Service {
	if opts.BatchMaxSize <= 0 {
		opts.BatchMaxSize = 50
	}
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = 8
	}
	return &Service{
		provider:         opts.Provider,
		registry:         opts.Registry,
		engine:           opts.Engine,
		cache:            opts.Cache,
		watchlist:        opts.Watchlist,
		store:            opts.Store,
		batchMaxSize:     opts.BatchMaxSize,
		batchConcurrency: opts.BatchConcurrency,
		now:              time.Now,
	}
}

// Predict scores one address. The boolean reports whether the result came
// from cache. The model bundle is captured once at entry, so a concurrent
// reload cannot mix versions within a single prediction.
func (s *Service) Predict(ctx context.Context, rawAddress string) (*scoring.Result, bool, error) {
	address, err := validation.CanonicalAddress(rawAddress)
	if err != nil {
		return nil, false, err
	}

	bundle, err := s.registry.Current()
	if err != nil {
		return nil, false, err
	}

	if entry, flagged := s.lookupWatchlist(address); flagged {
		res := s.overrideResult(address, entry, bundle.Version)
		metrics.WatchlistHitsTotal.Inc()
		s.audit(ctx, res, false)
		return res, false, nil
	}

	key := address + "@" + bundle.Version
	res, hit, err := s.cache.GetOrCompute(ctx, key, func(ctx context.Context) (*scoring.Result, error) {
		return s.compute(ctx, address, bundle)
	})
	if err != nil {
		return nil, false, err
	}

	metrics.PredictionsTotal.WithLabelValues(string(res.Tier)).Inc()
	s.audit(ctx, res, hit)
	return res, hit, nil
}

// BatchItem is one entry of a batch response. Exactly one of Result and
// Error is set.
type BatchItem struct {
	Address string          `json:"address"`
	Result  *scoring.Result `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Cached  bool            `json:"cached"`
}

// PredictBatch scores up to the configured maximum of addresses
// concurrently. Per-address failures are isolated: one bad address never
// fails the others. Items come back in request order.
func (s *Service) PredictBatch(ctx context.Context, addresses []string) ([]BatchItem, error) {
	if len(addresses) > s.batchMaxSize {
		return nil, fmt.Errorf("%w: %d addresses, limit %d", ErrBatchTooLarge, len(addresses), s.batchMaxSize)
	}
	metrics.BatchSizes.Observe(float64(len(addresses)))

	items := make([]BatchItem, len(addresses))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.batchConcurrency)

	for i, addr := range addresses {
		g.Go(func() error {
			res, cached, err := s.Predict(gctx, addr)
			if err != nil {
				items[i] = BatchItem{Address: addr, Error: errorLabel(err)}
				return nil
			}
			items[i] = BatchItem{Address: res.Address, Result: res, Cached: cached}
			return nil
		})
	}
	_ = g.Wait()
	return items, nil
}

// FeaturesFor returns the named feature vector for an address without
// scoring it. Bypasses the cache: callers inspecting features want the
// current history.
func (s *Service) FeaturesFor(ctx context.Context, rawAddress string) (string, *features.Vector, error) {
	address, err := validation.CanonicalAddress(rawAddress)
	if err != nil {
		return "", nil, err
	}
	history, err := s.provider.History(ctx, address)
	if err != nil {
		return "", nil, err
	}
	return address, features.Compute(history, s.now().UTC()), nil
}

// History lists previously served assessments for an address, newest first.
func (s *Service) History(ctx context.Context, rawAddress string, limit int) ([]*ScoreRecord, error) {
	address, err := validation.CanonicalAddress(rawAddress)
	if err != nil {
		return nil, err
	}
	if s.store == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.store.ListByAddress(ctx, address, limit)
}

func (s *Service) compute(ctx context.Context, address string, bundle *model.Bundle) (*scoring.Result, error) {
	start := time.Now()
	history, err := s.provider.History(ctx, address)
	if err != nil {
		return nil, err
	}
	vec := features.Compute(history, s.now().UTC())
	res, err := s.engine.Score(address, vec, bundle)
	if err != nil {
		return nil, err
	}
	metrics.PredictionDuration.Observe(time.Since(start).Seconds())
	return res, nil
}

func (s *Service) lookupWatchlist(address string) (watchlist.Entry, bool) {
	if s.watchlist == nil {
		return watchlist.Entry{}, false
	}
	return s.watchlist.Lookup(address)
}

// overrideResult builds the forced high-risk assessment for a watchlisted
// address. The flag reason leads the explanation so callers see why the
// model was bypassed.
func (s *Service) overrideResult(address string, entry watchlist.Entry, modelVersion string) *scoring.Result {
	return &scoring.Result{
		Address:     address,
		Probability: float64(watchlistScore) / 100,
		Score:       watchlistScore,
		Tier:        scoring.TierHigh,
		TopFactors: []scoring.Factor{{
			Name:         "known_" + entry.Type + "_address",
			Contribution: 1,
			Direction:    "increases risk",
		}},
		ModelVersion: modelVersion,
		ComputedAt:   s.now().UTC(),
	}
}

// audit records the served assessment in the background. Auditing is best
// effort: a store failure is logged, never surfaced to the caller.
func (s *Service) audit(ctx context.Context, res *scoring.Result, cached bool) {
	if s.store == nil {
		return
	}
	rec := &ScoreRecord{
		ID:           idgen.WithPrefix("scr_"),
		Address:      res.Address,
		Probability:  res.Probability,
		Score:        res.Score,
		Tier:         res.Tier,
		ModelVersion: res.ModelVersion,
		Cached:       cached,
		CreatedAt:    res.ComputedAt,
		TopFactors:   res.TopFactors,
	}
	logger := logging.L(ctx)
	go func() {
		recordCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.Record(recordCtx, rec); err != nil {
			logger.Warn("failed to record score", "address", rec.Address, "error", err)
		}
	}()
}

// errorLabel maps pipeline errors to the stable identifiers used in batch
// items and HTTP bodies.
func errorLabel(err error) string {
	switch {
	case errors.Is(err, validation.ErrInvalidAddress):
		return "invalid_address"
	case errors.Is(err, provider.ErrTimeout):
		return "provider_timeout"
	case errors.Is(err, provider.ErrUnavailable):
		return "provider_unavailable"
	case errors.Is(err, model.ErrUnavailable):
		return "model_unavailable"
	case errors.Is(err, model.ErrSchemaMismatch):
		return "schema_mismatch"
	default:
		return "internal_error"
	}
}
