/*
Package auth authenticates API clients by API key.

Keys are declared in the server.auth section of the configuration. The
validator keeps only their SHA-256 digests and can be swapped in place when
the configuration is reloaded:

	validator := auth.NewAPIKeyValidator(cfg.Server.Auth.Keys)
	mw := auth.NewAPIKeyMiddleware(validator, auth.SourcesFor(cfg.Server.Auth.Header), logger)
	mux.Handle("POST /v1/check/{resource}", mw.Handle(checkHandler))

Handlers find the authenticated client with ClientFrom. Missing and invalid
keys both yield a 401 with an "unauthorized" error body; the two cases are
told apart in the message only.
*/
package auth
