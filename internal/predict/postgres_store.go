package predict

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mbd888/cryptoguard/internal/scoring"
)

// PostgresStore persists score records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed score record store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the score_records table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS score_records (
			id             VARCHAR(36) PRIMARY KEY,
			address        VARCHAR(42) NOT NULL,
			probability    NUMERIC(5,4) NOT NULL CHECK (probability >= 0 AND probability <= 1),
			score          SMALLINT NOT NULL CHECK (score >= 0 AND score <= 100),
			tier           VARCHAR(10) NOT NULL CHECK (tier IN ('Low', 'Medium', 'High')),
			model_version  VARCHAR(64) NOT NULL,
			cached         BOOLEAN NOT NULL DEFAULT FALSE,
			top_factors    JSONB NOT NULL DEFAULT '[]',
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_score_records_address
			ON score_records (address, created_at DESC);

		CREATE INDEX IF NOT EXISTS idx_score_records_high
			ON score_records (created_at DESC) WHERE tier = 'High';
	`)
	return err
}

func (s *PostgresStore) Record(ctx context.Context, rec *ScoreRecord) error {
	factorsJSON, err := json.Marshal(rec.TopFactors)
	if err != nil {
		return fmt.Errorf("failed to marshal factors: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO score_records (id, address, probability, score, tier, model_version, cached, top_factors, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		rec.ID,
		rec.Address,
		rec.Probability,
		rec.Score,
		string(rec.Tier),
		rec.ModelVersion,
		rec.Cached,
		factorsJSON,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record score: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByAddress(ctx context.Context, address string, limit int) ([]*ScoreRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, address, probability, score, tier, model_version, cached, top_factors, created_at
		FROM score_records
		WHERE address = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, address, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list score records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*ScoreRecord
	for rows.Next() {
		var r ScoreRecord
		var factorsJSON []byte
		var createdAt time.Time

		if err := rows.Scan(&r.ID, &r.Address, &r.Probability, &r.Score, &r.Tier,
			&r.ModelVersion, &r.Cached, &factorsJSON, &createdAt); err != nil {
			continue
		}
		r.CreatedAt = createdAt
		r.TopFactors = []scoring.Factor{}
		_ = json.Unmarshal(factorsJSON, &r.TopFactors)
		result = append(result, &r)
	}
	return result, rows.Err()
}
