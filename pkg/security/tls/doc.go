/*
Package tls serves the floodgate API over HTTPS.

A CertificateReloader loads the certificate and key named in server.tls and
polls the files for changes, so a renewed certificate is picked up without
a restart. ServerConfig turns the reloader into a crypto/tls configuration:

	reloader := tls.NewCertificateReloader(cfg.CertFile, cfg.KeyFile, cfg.ReloadInterval, nil, logger)
	if err := reloader.Start(ctx); err != nil {
		return err
	}
	tlsConfig, err := tls.ServerConfig(cfg, reloader)

Only TLS 1.2 and 1.3 are accepted. Certificates that are expired or not yet
valid are rejected on load; a failed reload keeps the previous certificate.
*/
package tls
