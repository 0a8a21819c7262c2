// Package jobqueue implements the page-generation job runner (C7): a
// durable Redis-backed queue with capped concurrency, exponential backoff
// with jitter, a delayed sorted-set for scheduled retries, a dead-letter
// list, and crash-safe processing-list recovery, per spec §4.7.
package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cloakgate/gateway/internal/cache"
	"github.com/cloakgate/gateway/internal/model"
)

// Enqueue pushes a page-generation job onto the pending queue with
// Attempt reset to 0.
func Enqueue(ctx context.Context, c *cache.Client, job model.PageGenerationJob) error {
	if c == nil {
		return fmt.Errorf("jobqueue: no cache client configured")
	}
	job.Attempt = 0
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobqueue: marshal job: %w", err)
	}
	if err := c.Raw().LPush(ctx, cache.JobQueuePending, payload).Err(); err != nil {
		return fmt.Errorf("jobqueue: enqueue: %w", err)
	}
	return nil
}
