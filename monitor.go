package leadflow

import (
	"context"
)

// Monitor answers aggregate questions about the pipeline from the Postgres
// store. It reads the latest checkpoint per thread, so the numbers reflect
// exactly what Advance has committed.
type Monitor struct {
	store *StoreImpl
}

func NewMonitor(store *StoreImpl) *Monitor {
	return &Monitor{store: store}
}

func (m *Monitor) GetStageStats(ctx context.Context) ([]StageStats, error) {
	const query = `
SELECT
	latest.state->>'stage' AS stage,
	COUNT(*) AS threads
FROM leadflow.threads t
JOIN LATERAL (
	SELECT state
	FROM leadflow.checkpoints c
	WHERE c.thread_id = t.id
	ORDER BY c.seq DESC
	LIMIT 1
) latest ON TRUE
WHERE t.status = 'active'
GROUP BY 1
ORDER BY 2 DESC`

	rows, err := m.store.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []StageStats
	for rows.Next() {
		var s StageStats
		if err := rows.Scan(&s.Stage, &s.Threads); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}

	return stats, rows.Err()
}

func (m *Monitor) GetSummaryStats(ctx context.Context) (SummaryStats, error) {
	const query = `
SELECT
	COUNT(*) AS total,
	COUNT(*) FILTER (WHERE status = 'active') AS active,
	COUNT(*) FILTER (WHERE status = 'completed') AS completed,
	COUNT(*) FILTER (WHERE status = 'active' AND reminders_exhausted) AS stalled
FROM leadflow.threads`

	var stats SummaryStats
	err := m.store.db.QueryRow(ctx, query).Scan(
		&stats.TotalThreads,
		&stats.ActiveThreads,
		&stats.CompletedThreads,
		&stats.StalledThreads,
	)
	if err != nil {
		return SummaryStats{}, err
	}

	return stats, nil
}
