package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNameFilterEmptyAdmitsEverything(t *testing.T) {
	f, err := newNameFilter(nil)
	require.NoError(t, err)
	assert.True(t, f.admits("anything"))
}

func TestNameFilterMatchesAnyPattern(t *testing.T) {
	f, err := newNameFilter([]string{"^prod-", "-final$"})
	require.NoError(t, err)

	assert.True(t, f.admits("prod-resnet"))
	assert.True(t, f.admits("sweep-3-final"))
	assert.False(t, f.admits("scratch-run"))
}

func TestNameFilterRejectsBadPattern(t *testing.T) {
	_, err := newNameFilter([]string{"["})
	assert.Error(t, err)
}

func TestIsDualWriting(t *testing.T) {
	tests := []struct {
		name   string
		config map[string]any
		want   bool
	}{
		{"nil config", nil, false},
		{"empty config", map[string]any{}, false},
		{"experiment id key", map[string]any{"mlflow_experiment_id": "12345"}, true},
		{"experiment id key with nil value", map[string]any{"mlflow_experiment_id": nil}, true},
		{"logger entry", map[string]any{"loggers": map[string]any{"mlflow": map[string]any{}}}, true},
		{"other loggers only", map[string]any{"loggers": map[string]any{"tensorboard": true}}, false},
		{"malformed loggers shape", map[string]any{"loggers": "mlflow"}, false},
		{"unrelated keys", map[string]any{"lr": 0.01, "tracking": true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isDualWriting(tt.config))
		})
	}
}
