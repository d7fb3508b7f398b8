package tls

import (
	"crypto/tls"
	"fmt"

	"mercator-hq/floodgate/pkg/config"
)

// ParseMinVersion converts "1.2" or "1.3" to a crypto/tls version. Older
// versions are not supported.
func ParseMinVersion(v string) (uint16, error) {
	switch v {
	case "1.2":
		return tls.VersionTLS12, nil
	case "1.3", "":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q", v)
	}
}

// ServerConfig builds the server side crypto/tls configuration. The
// certificate is taken from reloader on every handshake.
func ServerConfig(cfg config.TLSConfig, reloader *CertificateReloader) (*tls.Config, error) {
	if reloader == nil {
		return nil, fmt.Errorf("certificate reloader cannot be nil")
	}

	minVersion, err := ParseMinVersion(cfg.MinVersion)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		MinVersion:     minVersion,
		GetCertificate: reloader.GetCertificateFunc(),
	}, nil
}
