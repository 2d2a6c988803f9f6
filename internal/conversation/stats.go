package conversation

import (
	"context"
	"fmt"
	"time"
)

// StateCount is one row of the by-state breakdown.
type StateCount struct {
	State State `json:"state"`
	Count int64 `json:"count"`
}

// TimeBucket is one point of the session time series.
type TimeBucket struct {
	Bucket  time.Time `json:"bucket"`
	Started int64     `json:"started"`
}

// StateDuration is the average dwell time in one state.
type StateDuration struct {
	State      State   `json:"state"`
	AvgSeconds float64 `json:"avgSeconds"`
}

// CountByState returns session counts per state.
func (st *Store) CountByState(ctx context.Context) ([]StateCount, error) {
	query := `
		SELECT state, COUNT(*)
		FROM sms_conversations
		GROUP BY state
		ORDER BY state
	`
	rows, err := st.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("conversation: count by state: %w", err)
	}
	defer rows.Close()

	var out []StateCount
	for rows.Next() {
		var c StateCount
		if err := rows.Scan(&c.State, &c.Count); err != nil {
			return nil, fmt.Errorf("conversation: scan state count: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountStuck counts active sessions that have not moved within the threshold.
func (st *Store) CountStuck(ctx context.Context, threshold time.Duration) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM sms_conversations
		WHERE state NOT IN ('CONFIRMED','EXPIRED','CANCELLED')
			AND expires_at > now()
			AND updated_at < now() - $1::interval
	`
	var count int64
	if err := st.pool.QueryRow(ctx, query, threshold.String()).Scan(&count); err != nil {
		return 0, fmt.Errorf("conversation: count stuck: %w", err)
	}
	return count, nil
}

// SuccessRate is CONFIRMED over all finished sessions. Zero finished sessions
// yields zero.
func (st *Store) SuccessRate(ctx context.Context) (float64, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE state = 'CONFIRMED'),
			COUNT(*)
		FROM sms_conversations
		WHERE state IN ('CONFIRMED','EXPIRED','CANCELLED')
	`
	var confirmed, finished int64
	if err := st.pool.QueryRow(ctx, query).Scan(&confirmed, &finished); err != nil {
		return 0, fmt.Errorf("conversation: success rate: %w", err)
	}
	if finished == 0 {
		return 0, nil
	}
	return float64(confirmed) / float64(finished), nil
}

// TimeSeries buckets session starts by hour, day or week since the cutoff.
func (st *Store) TimeSeries(ctx context.Context, period string, since time.Time) ([]TimeBucket, error) {
	switch period {
	case "hour", "day", "week":
	default:
		return nil, fmt.Errorf("conversation: unsupported period %q", period)
	}
	query := `
		SELECT date_trunc('` + period + `', started_at) AS bucket, COUNT(*)
		FROM sms_conversations
		WHERE started_at >= $1
		GROUP BY bucket
		ORDER BY bucket
	`
	rows, err := st.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("conversation: time series: %w", err)
	}
	defer rows.Close()

	var out []TimeBucket
	for rows.Next() {
		var b TimeBucket
		if err := rows.Scan(&b.Bucket, &b.Started); err != nil {
			return nil, fmt.Errorf("conversation: scan bucket: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// AvgStateDurations measures how long sessions dwell in each state, derived
// from the transition log. The first transition's span starts at the session
// row's created_at, so dwell in the initial state is counted too.
func (st *Store) AvgStateDurations(ctx context.Context) ([]StateDuration, error) {
	query := `
		WITH spans AS (
			SELECT t.from_state AS state,
				EXTRACT(EPOCH FROM (t.occurred_at - COALESCE(
					lag(t.occurred_at) OVER (PARTITION BY t.session_id ORDER BY t.occurred_at),
					c.created_at))) AS seconds
			FROM session_transitions t
			JOIN sms_conversations c ON c.id = t.session_id
		)
		SELECT state, AVG(seconds)
		FROM spans
		WHERE seconds IS NOT NULL
		GROUP BY state
		ORDER BY state
	`
	rows, err := st.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("conversation: avg state durations: %w", err)
	}
	defer rows.Close()

	var out []StateDuration
	for rows.Next() {
		var d StateDuration
		if err := rows.Scan(&d.State, &d.AvgSeconds); err != nil {
			return nil, fmt.Errorf("conversation: scan duration: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
