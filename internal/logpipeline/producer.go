// Package logpipeline moves CloakDecision records from the gateway's hot
// path to the primary store via a shared-cache queue, using the two-list
// at-least-once handoff described in spec §4.6: LPUSH onto the pending
// list, RPOPLPUSH into a processing list for the duration of a write
// attempt, LREM to acknowledge once the write lands.
package logpipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cloakgate/gateway/internal/cache"
	"github.com/cloakgate/gateway/internal/model"
)

// Enqueue pushes decision onto the pending queue. The log edge is
// deliberately at-most-once (spec §7): a failure here is the caller's to
// log, never to retry or to let block the response.
func Enqueue(ctx context.Context, c *cache.Client, decision model.CloakDecision) error {
	if c == nil {
		return fmt.Errorf("logpipeline: no cache client configured")
	}
	payload, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("logpipeline: marshal decision: %w", err)
	}
	if err := c.Raw().LPush(ctx, cache.LogQueuePending, payload).Err(); err != nil {
		return fmt.Errorf("logpipeline: enqueue: %w", err)
	}
	return nil
}
