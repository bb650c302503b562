package logger

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeRedactsSensitiveKeys(t *testing.T) {
	l := &Logger{redact: true}
	out := l.sanitize([]any{"password", "hunter2", "email", "a@b.c", "count", 3})

	assert.Equal(t, []any{"password", "[REDACTED]", "email", "[REDACTED]", "count", 3}, out)
}

func TestSanitizeHashesUserID(t *testing.T) {
	l := &Logger{redact: true}
	out := l.sanitize([]any{"user_id", "user-123"})

	got, ok := out[1].(string)
	assert.True(t, ok)
	assert.True(t, strings.HasPrefix(got, "hash:"))
	assert.NotContains(t, got, "user-123")
}

func TestSanitizeDisabled(t *testing.T) {
	l := &Logger{redact: false}
	in := []any{"token", "abc"}
	assert.Equal(t, in, l.sanitize(in))
}

func TestSanitizeOddLength(t *testing.T) {
	l := &Logger{redact: true}
	out := l.sanitize([]any{"k", "v", "dangling"})
	assert.Equal(t, []any{"k", "v", "dangling"}, out)
}

func TestNopDoesNotPanic(t *testing.T) {
	l := Nop().With("component", "test")
	l.Info("hello", "user_id", "u1")
	l.Sync()
}
