package sessionservice

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// TLSConfig returns a *tls.Config trusting the CA certificates in caFile,
// for storage servers running under a private CA. An empty caFile returns nil
// so the system roots apply.
func TLSConfig(caFile string) (*tls.Config, error) {
	if caFile == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("sessionservice: read CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("sessionservice: no certificates in CA file")
	}
	return &tls.Config{RootCAs: pool}, nil
}
