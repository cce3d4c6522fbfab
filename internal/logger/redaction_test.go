package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactor(t *testing.T) {
	r := NewRedactor()

	tests := []struct {
		name  string
		input string
		leak  string
	}{
		{"should mask anthropic keys", "key sk-ant-REDACTED", "abcdefghijklmnopqrstuv"},
		{"should mask openai keys", "key sk-proj1234567890abcdefghij", "proj1234567890abcdefghij"},
		{"should mask bearer tokens", "Authorization: Bearer abc.def.ghi", "abc.def.ghi"},
		{"should mask api_key fields", `{"api_key":"hunter2"}`, "hunter2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := r.Redact(tt.input)
			assert.Contains(t, out, "[REDACTED]")
			assert.NotContains(t, out, tt.leak)
		})
	}

	t.Run("should leave plain text alone", func(t *testing.T) {
		assert.Equal(t, "agent x is idle", r.Redact("agent x is idle"))
	})

	t.Run("should support custom patterns", func(t *testing.T) {
		custom := NewRedactor()
		require.NoError(t, custom.AddPattern(`hive-[0-9]+`))
		assert.Equal(t, "id [REDACTED]", custom.Redact("id hive-42"))
		assert.Error(t, custom.AddPattern("("))
	})

	t.Run("should report full length on wrapped writes", func(t *testing.T) {
		var buf bytes.Buffer
		w := r.Wrap(&buf)
		input := []byte("Bearer averyveryverylongtoken")
		n, err := w.Write(input)
		require.NoError(t, err)
		assert.Equal(t, len(input), n)
		assert.Equal(t, "[REDACTED]", buf.String())
	})
}
