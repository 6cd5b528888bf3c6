package store

import (
	"context"
	"fmt"
	"time"
)

// RouteDecision is one routing outcome logged for the miner, the canary
// guard and offline calibration.
type RouteDecision struct {
	ID            int64     `json:"id"`
	ChatID        int64     `json:"chat_id"`
	Text          string    `json:"text"`
	Route         string    `json:"route"`
	Stage         string    `json:"stage"`   // "layers", "lexical", "semantic", "hybrid", "ai"
	Variant       string    `json:"variant"` // "A", "B", "canary", "shadow"
	Score         float64   `json:"score"`
	RunnerUp      string    `json:"runner_up,omitempty"`
	RunnerUpScore float64   `json:"runner_up_score"`
	Confirmed     *bool     `json:"confirmed,omitempty"` // set when the user corrects or accepts
	CreatedAt     time.Time `json:"created_at"`
}

// LogRouteDecision appends one decision row.
func (s *Store) LogRouteDecision(ctx context.Context, d RouteDecision) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO router_decisions
				(chat_id, text, route, stage, variant, score, runner_up, runner_up_score, confirmed, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, d.ChatID, d.Text, d.Route, d.Stage, d.Variant, d.Score, d.RunnerUp, d.RunnerUpScore,
			boolPtrToAny(d.Confirmed), s.now().UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("log route decision: %w", err)
	}
	return nil
}

// RecentDecisions returns the newest window rows, most recent first.
func (s *Store) RecentDecisions(ctx context.Context, window int) ([]RouteDecision, error) {
	if window <= 0 {
		window = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, text, route, stage, variant, score,
		       COALESCE(runner_up, ''), runner_up_score, confirmed, created_at
		FROM router_decisions
		ORDER BY id DESC
		LIMIT ?;
	`, window)
	if err != nil {
		return nil, fmt.Errorf("query recent decisions: %w", err)
	}
	defer rows.Close()

	var out []RouteDecision
	for rows.Next() {
		var d RouteDecision
		var confirmed *bool
		if err := rows.Scan(&d.ID, &d.ChatID, &d.Text, &d.Route, &d.Stage, &d.Variant, &d.Score,
			&d.RunnerUp, &d.RunnerUpScore, &confirmed, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.Confirmed = confirmed
		out = append(out, d)
	}
	return out, rows.Err()
}

// ConfirmDecision marks the most recent decision for a chat as confirmed or
// corrected. Used when the user's next message signals (dis)agreement.
func (s *Store) ConfirmDecision(ctx context.Context, chatID int64, confirmed bool) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE router_decisions SET confirmed = ?
			WHERE id = (SELECT MAX(id) FROM router_decisions WHERE chat_id = ?);
		`, confirmed, chatID)
		return err
	})
	if err != nil {
		return fmt.Errorf("confirm decision: %w", err)
	}
	return nil
}

// VariantAccuracy computes the confirmed-decision accuracy for one variant
// over the newest window rows. Returns samples=0 when no labeled rows exist.
func (s *Store) VariantAccuracy(ctx context.Context, variant string, window int) (accuracy float64, samples int, err error) {
	if window <= 0 {
		window = 500
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN confirmed = 1 THEN 1 ELSE 0 END), 0), COUNT(*)
		FROM (
			SELECT confirmed FROM router_decisions
			WHERE variant = ? AND confirmed IS NOT NULL
			ORDER BY id DESC LIMIT ?
		);
	`, variant, window)
	var correct int
	if err := row.Scan(&correct, &samples); err != nil {
		return 0, 0, fmt.Errorf("variant accuracy: %w", err)
	}
	if samples == 0 {
		return 0, 0, nil
	}
	return float64(correct) / float64(samples), samples, nil
}

// PruneDecisions keeps only the newest keep rows.
func (s *Store) PruneDecisions(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		keep = 5000
	}
	var deleted int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM router_decisions
			WHERE id NOT IN (SELECT id FROM router_decisions ORDER BY id DESC LIMIT ?);
		`, keep)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("prune decisions: %w", err)
	}
	return deleted, nil
}

func boolPtrToAny(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}
