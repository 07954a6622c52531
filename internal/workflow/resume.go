package workflow

import (
	"context"
	"time"

	"docflow/internal/logging"
)

// Resume attaches supervisors to every pipeline the ledger reports as not
// finalized. It returns how many were newly attached.
func (m *Manager) Resume(ctx context.Context) (int, error) {
	ids, err := m.ledger.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	attached := 0
	for _, id := range ids {
		if m.attach(id) {
			attached++
		}
	}
	if attached > 0 {
		m.logger.Info("resumed pipelines",
			logging.String(logging.FieldEventType, "pipelines_resumed"),
			logging.Int("count", attached),
			logging.Int("active", len(ids)),
		)
	}
	return attached, nil
}

func (m *Manager) resumeLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.resumeInterval)
	defer ticker.Stop()
	for {
		if _, err := m.Resume(ctx); err != nil && ctx.Err() == nil {
			m.recordError(err)
			logging.WarnWithContext(m.logger, "resume scan failed", "resume_failed",
				logging.String(logging.FieldErrorHint, "check ledger backend connectivity"),
				logging.Error(err),
			)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
