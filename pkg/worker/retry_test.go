package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/quiverhq/quiver/pkg/drive"
	"github.com/quiverhq/quiver/pkg/store"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	base := 30 * time.Second
	cap := 10 * time.Minute

	for attempt, want := range map[int]time.Duration{
		1: 30 * time.Second,
		2: 60 * time.Second,
		3: 120 * time.Second,
		4: 240 * time.Second,
		5: 480 * time.Second,
		6: 10 * time.Minute,
		9: 10 * time.Minute,
	} {
		got := Backoff(attempt, base, cap)
		assert.GreaterOrEqual(t, got, want, "attempt %d", attempt)
		assert.LessOrEqual(t, got, want+want/10+time.Millisecond, "attempt %d jitter bound", attempt)
	}
}

func TestBackoffDefaults(t *testing.T) {
	got := Backoff(1, 0, 0)
	assert.GreaterOrEqual(t, got, DefaultRetryBase)
	assert.LessOrEqual(t, got, DefaultRetryBase+DefaultRetryBase/10+time.Millisecond)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{drive.ErrPermissionDenied, KindAuth},
		{drive.ErrUnauthorized, KindAuth},
		{fmt.Errorf("download: %w", drive.ErrNotFound), KindNotFound},
		{store.ErrNotFound, KindNotFound},
		{drive.ErrRateLimited, KindTransient},
		{context.DeadlineExceeded, KindTransient},
		{errors.New("connection reset"), KindTransient},
		{mark(KindPermanent, "corrupt input"), KindPermanent},
		{fmt.Errorf("wrapped: %w", mark(KindValidation, "bad uuid")), KindValidation},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.err), "error %v", tc.err)
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, KindTransient.Retryable())
	assert.False(t, KindAuth.Retryable())
	assert.False(t, KindValidation.Retryable())
	assert.False(t, KindNotFound.Retryable())
	assert.False(t, KindPermanent.Retryable())
}
