package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeRedactsSecrets(t *testing.T) {
	out := sanitizeKVs([]any{"api_key", "sk-123", "webhook_secret", "s3cret", "course_id", 7, "input_tokens", 120})

	require.Len(t, out, 8)
	assert.Equal(t, "[REDACTED]", out[1])
	assert.Equal(t, "[REDACTED]", out[3])
	assert.Equal(t, 7, out[5])
	assert.Equal(t, 120, out[7], "token counts are not secrets")
}

func TestSanitizeOddLength(t *testing.T) {
	out := sanitizeKVs([]any{"proposal_id", 1, "dangling"})
	assert.Equal(t, []any{"proposal_id", 1, "dangling"}, out)
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("dev", "loud")
	assert.Error(t, err)

	l, err := New("prod", "debug")
	require.NoError(t, err)
	l.Info("ok", "k", "v")
}
