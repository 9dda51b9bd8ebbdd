// Package logging provides structured logging for parley.
//
// The package wraps Zap with:
//   - a Trace level below Debug
//   - stdout and OpenTelemetry outputs
//   - context field injection (trace id, request id, user id, connection id)
//   - secret redaction by field name and value pattern
//   - sampling below Error
//
// Create a logger from config:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
// Log with context:
//
//	ctx = logging.WithUserID(ctx, "42")
//	logger.Info(ctx, "message delivered", zap.Int("connections", n))
//
// Components that only need a *zap.Logger get Logger.Underlying().
//
// Tests use NewTestLogger, which records every entry for assertions.
package logging
