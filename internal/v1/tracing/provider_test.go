package tracing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSampleRatio(t *testing.T) {
	tests := []struct {
		name string
		env  string
		want float64
	}{
		{name: "unset keeps everything", env: "", want: 1},
		{name: "half", env: "0.5", want: 0.5},
		{name: "garbage keeps everything", env: "lots", want: 1},
		{name: "negative clamps to zero", env: "-3", want: 0},
		{name: "above one clamps", env: "7", want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TRACE_SAMPLE_RATIO", tt.env)
			assert.Equal(t, tt.want, sampleRatio())
		})
	}
}

func TestDeploymentEnv(t *testing.T) {
	t.Setenv("DEVELOPMENT_MODE", "true")
	assert.Equal(t, "development", deploymentEnv())

	t.Setenv("DEVELOPMENT_MODE", "false")
	assert.Equal(t, "production", deploymentEnv())
}
