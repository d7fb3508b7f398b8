// Package logging builds the service's structured logger on log/slog.
//
// # Overview
//
// New returns a *slog.Logger whose handler:
//   - writes JSON, text, or console records at the configured level
//   - adds request_id, resource, trace_id and span_id from the context
//   - masks secrets, e-mail addresses and IP addresses when RedactPII is set
//
// # Usage
//
//	logger, err := logging.New(logging.ConfigFrom(cfg.Telemetry.Logging))
//	if err != nil {
//	    return err
//	}
//
//	ctx = logging.WithRequestID(ctx, "req-123")
//	logger.InfoContext(ctx, "limit exceeded", "limit", "perIp", "value", "10.1.2.3")
//	// ... "request_id":"req-123","limit":"perIp","value":"10.*.*.*"
//
// # Redaction
//
//   - Secret keys (password, token, authorization): first four characters kept
//   - E-mail addresses: john@example.com → j***@example.com
//   - IPv4 addresses: 192.168.1.100 → 192.*.*.*
//   - Bearer tokens and API keys are replaced entirely
package logging
