package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/parley/internal/config"
)

func newBufferLogger(t *testing.T) (*zap.Logger, *bytes.Buffer) {
	t.Helper()
	enc, err := newRedactingEncoder(newEncoder("json"), NewDefaultConfig().Redaction)
	require.NoError(t, err)
	buf := &bytes.Buffer{}
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(buf), zapcore.DebugLevel)), buf
}

func TestRedaction_FieldNames(t *testing.T) {
	z, buf := newBufferLogger(t)

	z.Info("connecting", zap.String("qdrant_api_key", "abc123"), zap.String("host", "localhost"))

	out := buf.String()
	assert.NotContains(t, out, "abc123")
	assert.Contains(t, out, `"qdrant_api_key":"[REDACTED]"`)
	assert.Contains(t, out, `"host":"localhost"`)
}

func TestRedaction_WithFields(t *testing.T) {
	z, buf := newBufferLogger(t)

	z.With(zap.String("password", "hunter2")).Info("login")

	assert.NotContains(t, buf.String(), "hunter2")
}

func TestRedaction_ValuePatterns(t *testing.T) {
	z, buf := newBufferLogger(t)

	z.Info("request", zap.String("header", "Bearer eyJhbGciOi"))
	z.Info("dial postgres://parley:s3cret@db:5432/parley failed")

	out := buf.String()
	assert.NotContains(t, out, "eyJhbGciOi")
	assert.NotContains(t, out, "s3cret")
}

func TestSecretField(t *testing.T) {
	z, buf := newBufferLogger(t)

	z.Info("configured", Secret("key", config.Secret("12345")))

	assert.Contains(t, buf.String(), "[REDACTED:5]")
	assert.NotContains(t, buf.String(), "12345")
}

func TestRedaction_Disabled(t *testing.T) {
	base := newEncoder("json")
	enc, err := newRedactingEncoder(base, RedactionConfig{Enabled: false})
	require.NoError(t, err)
	assert.Same(t, base, enc)
}
