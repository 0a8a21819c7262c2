package jobqueue

import (
	"testing"
	"time"
)

func TestBackoffDelay_RetryLadder(t *testing.T) {
	w := NewWorker(WorkerConfig{
		RetryBaseDelay: 2 * time.Second,
		RetryMaxDelay:  60 * time.Second,
	})

	if got := w.backoffDelay(0); got != 2*time.Second {
		t.Errorf("attempt 0 delay = %v, want 2s", got)
	}
	if got := w.backoffDelay(1); got != 4*time.Second {
		t.Errorf("attempt 1 delay = %v, want 4s", got)
	}
	if got := w.backoffDelay(2); got != 8*time.Second {
		t.Errorf("attempt 2 delay = %v, want 8s", got)
	}
}

func TestBackoffDelay_CapsAtMaxDelay(t *testing.T) {
	w := NewWorker(WorkerConfig{
		RetryBaseDelay: 2 * time.Second,
		RetryMaxDelay:  10 * time.Second,
	})

	if got := w.backoffDelay(5); got != 10*time.Second {
		t.Errorf("delay = %v, want capped at 10s", got)
	}
}

func TestBackoffDelay_JitterStaysWithinRatio(t *testing.T) {
	w := NewWorker(WorkerConfig{
		RetryBaseDelay:   10 * time.Second,
		RetryMaxDelay:    60 * time.Second,
		RetryJitterRatio: 0.2,
	})

	for i := 0; i < 50; i++ {
		d := w.backoffDelay(0)
		if d < 8*time.Second || d > 12*time.Second {
			t.Fatalf("jittered delay %v outside [8s,12s]", d)
		}
	}
}

func TestNewWorker_AppliesDefaults(t *testing.T) {
	w := NewWorker(WorkerConfig{})

	if w.maxConcurrent != 2 {
		t.Errorf("maxConcurrent = %d, want 2", w.maxConcurrent)
	}
	if w.maxAttempts != 3 {
		t.Errorf("maxAttempts = %d, want 3", w.maxAttempts)
	}
	if w.baseDelay != 2*time.Second {
		t.Errorf("baseDelay = %v, want 2s", w.baseDelay)
	}
	if w.maxDelay != 60*time.Second {
		t.Errorf("maxDelay = %v, want 60s", w.maxDelay)
	}
	if w.shutdownDrain != 30*time.Second {
		t.Errorf("shutdownDrain = %v, want 30s", w.shutdownDrain)
	}
	if cap(w.sem) != 2 {
		t.Errorf("sem capacity = %d, want 2", cap(w.sem))
	}
}
