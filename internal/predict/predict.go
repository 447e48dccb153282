// Package predict orchestrates the scoring pipeline: fetch an address's
// transaction history, extract features, run the loaded classifier, and
// assemble the served risk assessment. Results are cached per address and
// model version, and every served assessment is recorded to the audit store.
package predict

import (
	"context"
	"time"

	"github.com/mbd888/cryptoguard/internal/scoring"
)

// ScoreRecord is one audited prediction, as stored and served from history.
type ScoreRecord struct {
	ID           string         `json:"id"`
	Address      string         `json:"address"`
	Probability  float64        `json:"probability"`
	Score        int            `json:"risk_score"`
	Tier         scoring.Tier   `json:"risk_tier"`
	ModelVersion string         `json:"model_version"`
	Cached       bool           `json:"cached"`
	CreatedAt    time.Time      `json:"created_at"`
	TopFactors   []scoring.Factor `json:"top_factors,omitempty"`
}

// Store persists served assessments for the history endpoint.
type Store interface {
	Record(ctx context.Context, rec *ScoreRecord) error
	ListByAddress(ctx context.Context, address string, limit int) ([]*ScoreRecord, error)
}
