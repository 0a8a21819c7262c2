package logpipeline

import (
	"context"
	"testing"

	"github.com/cloakgate/gateway/internal/model"
)

func TestEnqueue_NilCacheErrors(t *testing.T) {
	err := Enqueue(context.Background(), nil, model.CloakDecision{})
	if err == nil {
		t.Fatal("expected error for nil cache client")
	}
}
