// Package logging is the daemon's zap setup.
//
// NewLogger tees a console sink (JSON or console encoding, stdout or stderr)
// with an optional OpenTelemetry log bridge, samples repeated messages per
// level and masks credentials at the encoder. Error and above are never
// sampled.
//
//	cfg, err := logging.FromAppConfig(appCfg.Logging, appCfg.Observability.ServiceName)
//	logger, err := logging.NewLogger(cfg, nil)
//	defer logger.Sync()
//
// Request, user and run ids travel in the context and are attached to every
// entry, so a decision can be followed from the HTTP request through the
// executor call:
//
//	ctx = logging.WithRun(ctx, projectID, runID)
//	logger.Info(ctx, "decision applied", zap.String("checkpoint", "vpc_complete"))
//
// Components that hold a plain *zap.Logger get the same fields with For:
//
//	logging.For(ctx, s.logger).Warn("failed to record decision", zap.Error(err))
//
// Tokens are logged with Secret. Fields named like credentials and values
// matching a bearer or api key pattern are masked even when they are not.
//
// TestLogger records entries for assertions, including AssertNoSecrets.
package logging
