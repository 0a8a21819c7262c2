package jobqueue

import (
	"context"

	"github.com/cloakgate/gateway/internal/model"
)

// Executor performs the actual page-generation work for one job: scraping
// a competitor page or invoking the AI content generator for the safe
// variant. Both are external collaborators; this package owns only queue
// bookkeeping, retries, and backoff around whatever Execute does.
type Executor interface {
	Execute(ctx context.Context, job model.PageGenerationJob) error
}
