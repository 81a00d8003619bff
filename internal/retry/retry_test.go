package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sapientpants/doctrans-sub001/internal/models"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"plain error is transient", errors.New("connection refused"), Transient},
		{"wrapped plain error is transient", fmt.Errorf("call failed: %w", errors.New("boom")), Transient},
		{"deadline exceeded is transient", context.DeadlineExceeded, Transient},
		{"wrapped deadline is transient", fmt.Errorf("request: %w", context.DeadlineExceeded), Transient},
		{"cancellation is transient", context.Canceled, Transient},
		{"marked permanent", MarkPermanent(errors.New("unsupported format")), Permanent},
		{"wrapped marked permanent", fmt.Errorf("stage: %w", MarkPermanent(errors.New("bad"))), Permanent},
		{"not found is permanent", models.ErrNotFound, Permanent},
		{"wrapped not found is permanent", fmt.Errorf("page not found: %s: %w", "page_x", models.ErrNotFound), Permanent},
		{"validation error is permanent", models.NewValidationError("filename", "required"), Permanent},
		{"wrapped validation error is permanent", fmt.Errorf("upload: %w", models.NewValidationError("f", "r")), Permanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", MarkPermanent(errors.New("x")))
	for i := 0; i < 10; i++ {
		assert.Equal(t, Permanent, Classify(err))
	}
}

func TestClassifyNil(t *testing.T) {
	assert.Equal(t, Transient, Classify(nil))
}

func TestMarkPermanentNil(t *testing.T) {
	assert.Nil(t, MarkPermanent(nil))
}

func TestMarkPermanentPreservesMessage(t *testing.T) {
	inner := errors.New("page 3 is blank")
	marked := MarkPermanent(inner)
	assert.Equal(t, inner.Error(), marked.Error())
	assert.True(t, errors.Is(marked, inner))
}

func TestBackoff(t *testing.T) {
	base := 5 * time.Second
	max := 5 * time.Minute

	tests := []struct {
		name    string
		attempt int
		want    time.Duration
	}{
		{"first retry", 0, 5 * time.Second},
		{"second retry", 1, 10 * time.Second},
		{"third retry", 2, 20 * time.Second},
		{"fourth retry", 3, 40 * time.Second},
		{"capped at max", 10, 5 * time.Minute},
		{"far past max", 30, 5 * time.Minute},
		{"negative clamps to zero", -5, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Backoff(tt.attempt, base, max))
		})
	}
}

func TestBackoffMonotonic(t *testing.T) {
	base := 2 * time.Second
	max := 30 * time.Second
	prev := time.Duration(0)
	for attempt := 0; attempt < 20; attempt++ {
		d := Backoff(attempt, base, max)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, max)
		prev = d
	}
}

func TestBackoffOverflowGuard(t *testing.T) {
	// Shift counts past the width of time.Duration must not wrap negative.
	assert.Equal(t, 5*time.Minute, Backoff(64, 5*time.Second, 5*time.Minute))
	assert.Equal(t, 5*time.Minute, Backoff(1000, 5*time.Second, 5*time.Minute))
}

func TestBackoffZeroBase(t *testing.T) {
	assert.Equal(t, time.Duration(0), Backoff(3, 0, time.Minute))
}
