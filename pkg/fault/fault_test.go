package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := errors.New("connection refused")

	t.Run("direct fault", func(t *testing.T) {
		err := New(KindTransientCoordination, "lock.acquire", base)
		assert.Equal(t, KindTransientCoordination, KindOf(err))
		assert.True(t, Is(err, KindTransientCoordination))
		assert.ErrorIs(t, err, base)
	})

	t.Run("wrapped fault", func(t *testing.T) {
		err := fmt.Errorf("tick failed: %w", New(KindUnsupportedOperation, "cache.write", base))
		assert.Equal(t, KindUnsupportedOperation, KindOf(err))
		assert.False(t, Is(err, KindAgentExecution))
	})

	t.Run("plain error", func(t *testing.T) {
		assert.Equal(t, KindUnknown, KindOf(base))
		assert.False(t, Is(nil, KindUnknown))
	})
}

func TestKindRoundTrip(t *testing.T) {
	kinds := []Kind{
		KindTransientCoordination,
		KindUnsupportedOperation,
		KindAgentExecution,
		KindTimedOut,
		KindInvalidTransition,
	}
	for _, k := range kinds {
		t.Run(k.String(), func(t *testing.T) {
			assert.Equal(t, k, ParseKind(k.String()))
		})
	}
	assert.Equal(t, KindUnknown, ParseKind("bogus"))
}

func TestErrorMessage(t *testing.T) {
	err := Errorf(KindInvalidTransition, "task.update", "%s -> %s", "COMPLETED", "RUNNING")
	assert.Equal(t, "task.update: invalid_transition: COMPLETED -> RUNNING", err.Error())

	bare := &Error{Kind: KindTimedOut, Op: "task.expire"}
	assert.Equal(t, "task.expire: timed_out", bare.Error())
}
