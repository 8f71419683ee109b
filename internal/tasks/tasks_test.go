package tasks

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/SirClappington/jobq/internal/worker"
)

func TestRegister(t *testing.T) {
	reg := worker.NewRegistry()
	Register(reg, zap.NewNop())
	assert.Equal(t, []string{Echo, Sleep}, reg.Types())
}

func TestEcho_LogsAndReturnsPayload(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := echo(zap.New(core))

	res, err := h(context.Background(), json.RawMessage(`{"hello":"world"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":{"hello":"world"}}`, string(res))
	entries := logs.FilterMessage("echo").All()
	require.Len(t, entries, 1)
	assert.Equal(t, `{"hello":"world"}`, entries[0].ContextMap()["payload"])
}

func TestSleep(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
		wantErr bool
	}{
		{"explicit", `{"seconds":0.01}`, `{"slept":0.01}`, false},
		{"zero", `{"seconds":0}`, `{"slept":0}`, false},
		{"negative", `{"seconds":-1}`, "", true},
		{"too long", `{"seconds":1e12}`, "", true},
		{"bad json", `{"seconds":"soon"}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := sleep(context.Background(), json.RawMessage(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, res)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(res))
		})
	}
}

func TestSleep_DefaultsToOneSecondAndHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := sleep(ctx, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}
