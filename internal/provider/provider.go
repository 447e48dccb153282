// Package provider fetches per-address transaction history from the upstream
// blockchain data service.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/cryptoguard/internal/circuitbreaker"
	"github.com/mbd888/cryptoguard/internal/features"
	"github.com/mbd888/cryptoguard/internal/retry"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cryptoguard",
		Subsystem: "provider",
		Name:      "requests_total",
		Help:      "Upstream history fetches by result.",
	}, []string{"result"})

	requestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cryptoguard",
		Subsystem: "provider",
		Name:      "request_duration_seconds",
		Help:      "Upstream history fetch latency, retries included.",
		Buckets:   prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration)
}

var (
	// ErrUnavailable means the upstream could not serve the request.
	ErrUnavailable = errors.New("transaction provider unavailable")
	// ErrTimeout means the upstream did not answer within the deadline.
	ErrTimeout = errors.New("transaction provider timed out")
)

// HistoryProvider supplies the full transaction history for an address.
type HistoryProvider interface {
	History(ctx context.Context, address string) ([]features.TransactionRecord, error)
}

// wireTransaction is the upstream response shape. Values arrive as wei in
// decimal strings; converting through big.Float avoids precision loss for
// large balances before the final float64 narrowing.
type wireTransaction struct {
	Hash         string `json:"hash"`
	From         string `json:"from"`
	To           string `json:"to"`
	ValueWei     string `json:"value_wei"`
	Timestamp    int64  `json:"timestamp"`
	ToIsContract bool   `json:"to_is_contract"`
	GasUsed      uint64 `json:"gas_used"`
}

type historyResponse struct {
	Address      string            `json:"address"`
	Transactions []wireTransaction `json:"transactions"`
}

// Config configures the HTTP provider client.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
	BreakerName string
}

// Client is an HTTP HistoryProvider with retries and a circuit breaker in
// front of the upstream.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
	breaker    *circuitbreaker.Breaker
	breakerKey string
}

// NewClient creates a provider client for the given upstream base URL.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	if cfg.BreakerName == "" {
		cfg.BreakerName = "provider"
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		breaker:    circuitbreaker.New(5, 30*time.Second),
		breakerKey: cfg.BreakerName,
	}
}

// History fetches the transaction history for address. Fails fast with
// ErrUnavailable while the circuit is open.
func (c *Client) History(ctx context.Context, address string) ([]features.TransactionRecord, error) {
	if !c.breaker.Allow(c.breakerKey) {
		requestsTotal.WithLabelValues("circuit_open").Inc()
		return nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
	}

	start := time.Now()
	var history []features.TransactionRecord
	err := retry.Do(ctx, c.maxRetries, c.retryDelay, func() error {
		txs, err := c.fetch(ctx, address)
		if err != nil {
			return err
		}
		history = convert(address, txs)
		return nil
	})
	requestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		c.breaker.RecordFailure(c.breakerKey)
		requestsTotal.WithLabelValues("error").Inc()
		return nil, classify(err)
	}
	c.breaker.RecordSuccess(c.breakerKey)
	requestsTotal.WithLabelValues("ok").Inc()
	return history, nil
}

func (c *Client) fetch(ctx context.Context, address string) ([]wireTransaction, error) {
	endpoint := fmt.Sprintf("%s/v1/addresses/%s/transactions", c.baseURL, url.PathEscape(address))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// Client errors will not heal on retry.
		return nil, retry.Permanent(fmt.Errorf("%w: upstream returned %d", ErrUnavailable, resp.StatusCode))
	default:
		return nil, fmt.Errorf("%w: upstream returned %d", ErrUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, err
	}
	var parsed historyResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, retry.Permanent(fmt.Errorf("%w: malformed response: %v", ErrUnavailable, err))
	}
	return parsed.Transactions, nil
}

// classify maps transport failures to the two sentinel errors handlers know.
func classify(err error) error {
	switch {
	case errors.Is(err, ErrUnavailable):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		var ne interface{ Timeout() bool }
		if errors.As(err, &ne) && ne.Timeout() {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

var weiPerETH = new(big.Float).SetFloat64(1e18)

// weiToETH converts a decimal wei string to ETH. Unparseable values count
// as zero rather than failing the whole history.
func weiToETH(wei string) float64 {
	f, ok := new(big.Float).SetString(wei)
	if !ok {
		return 0
	}
	eth, _ := new(big.Float).Quo(f, weiPerETH).Float64()
	return eth
}

func convert(address string, txs []wireTransaction) []features.TransactionRecord {
	canonical := normalized(address)
	history := make([]features.TransactionRecord, 0, len(txs))
	for _, tx := range txs {
		rec := features.TransactionRecord{
			ValueETH:   weiToETH(tx.ValueWei),
			Timestamp:  time.Unix(tx.Timestamp, 0).UTC(),
			IsContract: tx.ToIsContract,
			GasUsed:    tx.GasUsed,
		}
		if normalized(tx.From) == canonical {
			rec.Direction = features.DirectionSent
			rec.Counterparty = normalized(tx.To)
		} else {
			rec.Direction = features.DirectionReceived
			rec.Counterparty = normalized(tx.From)
		}
		history = append(history, rec)
	}
	return history
}

func normalized(addr string) string {
	return strings.ToLower(addr)
}
