package toolcall

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultErr(t *testing.T) {
	tests := []struct {
		status   Status
		expected error
	}{
		{StatusSuccess, nil},
		{StatusRuntimeError, ErrRuntime},
		{StatusTimeout, ErrTimeout},
		{StatusDependencyError, ErrDependency},
		{StatusCancelled, ErrCancelled},
		{StatusInternalError, ErrInternal},
		{Status("bogus"), ErrInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			err := NewResult("1", tt.status).Err()
			if tt.expected == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.expected))
		})
	}
}

func TestResultJSONShape(t *testing.T) {
	t.Run("WithExitCode", func(t *testing.T) {
		res := NewResult("7", StatusSuccess).WithExitCode(0).WithDuration(1500 * time.Millisecond)
		res.Stdout = "2\n"

		data, err := json.Marshal(res)
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"7","status":"success","stdout":"2\n","stderr":"","exitCode":0,"durationMs":1500}`, string(data))
	})

	t.Run("WithoutExitCode", func(t *testing.T) {
		data, err := json.Marshal(NewResult("8", StatusTimeout))
		require.NoError(t, err)
		assert.NotContains(t, string(data), "exitCode")
	})
}

func TestNotifications(t *testing.T) {
	n := NewProgress("3", StageRunning)
	assert.Equal(t, NotificationProgress, n.Type)
	assert.Equal(t, Progress{ID: "3", Stage: StageRunning}, n.Payload)

	s := NewShutdown("terminated")
	assert.Equal(t, NotificationShutdown, s.Type)
}
