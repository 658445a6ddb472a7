package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedSleeps struct {
	delays []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func testPolicy(maxAttempts int, sleeps *recordedSleeps) Policy {
	return Policy{
		MaxAttempts:  maxAttempts,
		InitialDelay: 100 * time.Millisecond,
		Sleep:        sleeps.sleep,
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	for k := 0; k < 4; k++ {
		t.Run(fmt.Sprintf("fail_%d", k), func(t *testing.T) {
			sleeps := &recordedSleeps{}
			calls := 0
			value, err := Do(context.Background(), testPolicy(5, sleeps), func(context.Context) (string, error) {
				calls++
				if calls <= k {
					return "", errors.New("rpc unavailable")
				}
				return "ok", nil
			})
			require.NoError(t, err)
			assert.Equal(t, "ok", value)
			assert.Equal(t, k+1, calls)
			assert.Len(t, sleeps.delays, k)
		})
	}
}

func TestDoAlwaysFailingReturnsLastError(t *testing.T) {
	sleeps := &recordedSleeps{}
	calls := 0
	var last error
	_, err := Do(context.Background(), testPolicy(4, sleeps), func(context.Context) (int, error) {
		calls++
		last = fmt.Errorf("attempt %d failed", calls)
		return 0, last
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.ErrorIs(t, err, last)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 4, exhausted.Attempts)
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
	}, sleeps.delays)
}

func TestDoPermanentFailsFast(t *testing.T) {
	sleeps := &recordedSleeps{}
	calls := 0
	invalid := errors.New("invalid address")
	_, err := Do(context.Background(), testPolicy(5, sleeps), func(context.Context) (int, error) {
		calls++
		return 0, Permanent(invalid)
	})
	require.ErrorIs(t, err, invalid)
	assert.Equal(t, 1, calls)
	assert.Empty(t, sleeps.delays)
	assert.True(t, IsPermanent(err))
}

func TestDoCustomClassifier(t *testing.T) {
	notFound := errors.New("not found")
	policy := testPolicy(3, &recordedSleeps{})
	policy.Classify = func(err error) Kind {
		if errors.Is(err, notFound) {
			return KindPermanent
		}
		return KindTransient
	}
	calls := 0
	err := DoErr(context.Background(), policy, func(context.Context) error {
		calls++
		return notFound
	})
	require.ErrorIs(t, err, notFound)
	assert.Equal(t, 1, calls)
}

func TestDoStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		Sleep: func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		},
	}
	calls := 0
	_, err := Do(ctx, policy, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("boom")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestPolicyDelayCapped(t *testing.T) {
	p := Policy{InitialDelay: time.Second, MaxDelay: 5 * time.Second}
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 5*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(40))
}

func TestTransientMarkerWinsOverContextClassification(t *testing.T) {
	assert.Equal(t, KindTransient, ClassifyMarked(Transient(context.DeadlineExceeded)))
	assert.Equal(t, KindPermanent, ClassifyMarked(context.Canceled))
	assert.Equal(t, KindTransient, ClassifyMarked(errors.New("io timeout")))
}
