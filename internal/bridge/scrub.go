package bridge

import (
	"context"

	"github.com/bdemchak/jupyter-bridge/internal/monitoring"
)

// ScrubSlots deletes every request and reply slot in the store, clearing
// whatever a prior process instance left mid-operation: pending messages
// whose waiter is gone, and busy flags that would lock out all future
// readers. Daily counters are preserved. Run once at startup, before
// serving traffic.
func (e *Engine) ScrubSlots(ctx context.Context) (int, error) {
	deleted := 0
	for _, pattern := range []string{"*:" + string(Request), "*:" + string(Reply)} {
		keys, err := e.store.Scan(ctx, pattern)
		if err != nil {
			return deleted, storeFail(err)
		}
		for _, key := range keys {
			if err := e.store.DeleteKey(ctx, key); err != nil {
				e.logger.Error().Err(err).Str("key", key).Msg("scrub could not delete slot")
				continue
			}
			e.logger.Info().Str("key", key).Msg("scrubbed leftover slot")
			deleted++
		}
	}
	monitoring.ScrubbedKeys.Add(float64(deleted))
	return deleted, nil
}
