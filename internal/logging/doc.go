// Package logging builds the service's zap logger.
//
// # Overview
//
// The logger wraps Zap with:
//   - JSON or console output with an ISO8601 "ts" key
//   - Constant fields from config (service name by default)
//   - Automatic context fields (trace_id, span_id, user.id, event.id, request.id)
//   - Redaction of configured field keys such as feedback_text
//   - Sampling below error level (errors are never sampled)
//
// Components accept a plain *zap.Logger; the daemon hands them
// Logger.Underlying().
//
// # Usage
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithUserID(ctx, "user_1")
//	logger.Info(ctx, "outcome recorded", zap.String("outcome", "completed"))
//
// # Testing
//
// NewTestLogger records entries in memory for assertions:
//
//	tl := logging.NewTestLogger()
//	svc := newService(tl.Underlying())
//	tl.AssertLogged(t, zapcore.ErrorLevel, "invariant violation")
package logging
