package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/trustscore/internal/explain"
	"github.com/mbd888/trustscore/internal/pagination"
	"github.com/mbd888/trustscore/internal/rules"
)

// PostgresStore persists assessments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed assessment store. The
// risk_assessments table comes from the migrations package.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// detail holds the list-valued parts of an assessment.
type detail struct {
	Factors         []string         `json:"riskFactors"`
	Recommendations []string         `json:"recommendations"`
	TopReasons      []explain.Reason `json:"topReasons"`
	Degraded        []string         `json:"degraded,omitempty"`
	WeightedLevel   rules.Level      `json:"weightedLevel"`
	PointLevel      rules.Level      `json:"pointLevel"`
	FraudLevel      rules.Level      `json:"fraudLevel"`
}

const selectAssessment = `
	SELECT id, session_id, score, risk_level, decision, hard_rule_code,
	       weighted_score, confidence, event_count, detail, evaluated_at
	FROM risk_assessments`

func (s *PostgresStore) Record(ctx context.Context, a *Assessment) error {
	detailJSON, err := json.Marshal(detail{
		Factors:         a.Factors,
		Recommendations: a.Recommendations,
		TopReasons:      a.TopReasons,
		Degraded:        a.Degraded,
		WeightedLevel:   a.WeightedLevel,
		PointLevel:      a.PointLevel,
		FraudLevel:      a.FraudLevel,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal assessment detail: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_assessments (id, session_id, score, risk_level, decision, hard_rule_code,
			weighted_score, confidence, event_count, detail, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		a.ID,
		a.SessionID,
		a.Score,
		string(a.Level),
		string(a.Decision),
		a.HardRuleCode,
		a.WeightedScore,
		a.Confidence,
		a.EventCount,
		detailJSON,
		a.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record risk assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]*Assessment, error) {
	return s.ListBySessionPage(ctx, sessionID, limit, nil)
}

func (s *PostgresStore) ListBySessionPage(ctx context.Context, sessionID string, limit int, cursor *pagination.Cursor) ([]*Assessment, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		before   sql.NullTime
		beforeID string
	)
	if cursor != nil {
		before = sql.NullTime{Time: cursor.At, Valid: true}
		beforeID = cursor.ID
	}
	rows, err := s.db.QueryContext(ctx, selectAssessment+`
		WHERE session_id = $1
		  AND ($3::timestamptz IS NULL OR (evaluated_at, id) < ($3, $4))
		ORDER BY evaluated_at DESC, id DESC
		LIMIT $2
	`, sessionID, limit, before, beforeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Assessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate risk assessments: %w", err)
	}
	return result, nil
}

func (s *PostgresStore) Latest(ctx context.Context, sessionID string) (*Assessment, error) {
	row := s.db.QueryRowContext(ctx, selectAssessment+`
		WHERE session_id = $1
		ORDER BY evaluated_at DESC
		LIMIT 1
	`, sessionID)
	a, err := scanAssessment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAssessment(sc scanner) (*Assessment, error) {
	var (
		a           Assessment
		level       string
		decision    string
		detailJSON  []byte
		evaluatedAt time.Time
	)
	err := sc.Scan(&a.ID, &a.SessionID, &a.Score, &level, &decision, &a.HardRuleCode,
		&a.WeightedScore, &a.Confidence, &a.EventCount, &detailJSON, &evaluatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan risk assessment: %w", err)
	}

	var d detail
	if err := json.Unmarshal(detailJSON, &d); err != nil {
		return nil, fmt.Errorf("failed to decode assessment detail: %w", err)
	}
	a.Level = rules.Level(level)
	a.Decision = Decision(decision)
	a.Factors = d.Factors
	a.Recommendations = d.Recommendations
	a.TopReasons = d.TopReasons
	a.Degraded = d.Degraded
	a.WeightedLevel = d.WeightedLevel
	a.PointLevel = d.PointLevel
	a.FraudLevel = d.FraudLevel
	a.EvaluatedAt = evaluatedAt
	return &a, nil
}
