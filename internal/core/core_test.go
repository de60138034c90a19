package core

import (
	"bytes"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusDAG(t *testing.T) {
	assert.True(t, CanTransition(StatusSubmitted, StatusQueued))
	assert.True(t, CanTransition(StatusQueued, StatusProvisioning))
	assert.True(t, CanTransition(StatusProvisioning, StatusRunning))
	assert.True(t, CanTransition(StatusRunning, StatusCompleted))
	assert.True(t, CanTransition(StatusRunning, StatusFailed))
	assert.True(t, CanTransition(StatusQueued, StatusFailed))
	assert.True(t, CanTransition(StatusProvisioning, StatusFailed))

	// Status never moves backwards
	assert.False(t, CanTransition(StatusRunning, StatusQueued))
	assert.False(t, CanTransition(StatusCompleted, StatusRunning))
	assert.False(t, CanTransition(StatusFailed, StatusCompleted))
	assert.False(t, CanTransition(StatusCancelled, StatusQueued))

	// Duplicate delivery is a legal no-op transition
	assert.True(t, CanTransition(StatusRunning, StatusRunning))
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCancelled} {
		assert.True(t, s.Terminal(), "expected %s to be terminal", s)
	}
	for _, s := range []Status{StatusSubmitted, StatusQueued, StatusProvisioning, StatusRunning} {
		assert.False(t, s.Terminal(), "expected %s to be non-terminal", s)
	}
}

func TestActiveStates(t *testing.T) {
	assert.True(t, StatusProvisioning.Active())
	assert.True(t, StatusRunning.Active())
	assert.False(t, StatusQueued.Active())
	assert.False(t, StatusCompleted.Active())
}

func TestTruncateOutputBoundaries(t *testing.T) {
	// Exactly 1 MiB: untouched
	exact := bytes.Repeat([]byte("a"), OutputTruncateBytes)
	out, truncated, size := TruncateOutput(exact)
	assert.False(t, truncated)
	assert.Equal(t, int64(1_048_576), size)
	assert.Len(t, out, OutputTruncateBytes)

	// 1 MiB + 1: truncated, size reports the original length
	over := bytes.Repeat([]byte("b"), OutputTruncateBytes+1)
	out, truncated, size = TruncateOutput(over)
	assert.True(t, truncated)
	assert.Equal(t, int64(1_048_577), size)
	assert.Len(t, out, OutputTruncateBytes)

	// Empty output
	out, truncated, size = TruncateOutput(nil)
	assert.False(t, truncated)
	assert.Zero(t, size)
	assert.Empty(t, out)
}

func TestEvaluationIDsSortChronologically(t *testing.T) {
	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		ids = append(ids, NewEvaluationID())
		time.Sleep(2 * time.Millisecond)
	}

	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	assert.Equal(t, ids, sorted, "lexicographic order should follow issue order")

	seen := map[string]bool{}
	for _, id := range ids {
		require.False(t, seen[id], "duplicate id issued: %s", id)
		seen[id] = true
	}
}

func TestStatusForEvent(t *testing.T) {
	assert.Equal(t, StatusQueued, StatusForEvent(EventQueued))
	assert.Equal(t, StatusRunning, StatusForEvent(EventRunning))
	assert.Equal(t, StatusCompleted, StatusForEvent(EventCompleted))
	assert.Equal(t, StatusFailed, StatusForEvent(EventFailed))
	assert.Equal(t, Status(""), StatusForEvent(EventWorkloadCleaned))
}

func TestValidPriority(t *testing.T) {
	for _, p := range Priorities {
		assert.True(t, ValidPriority(p))
	}
	assert.False(t, ValidPriority("immediate"))
}
