package protocol

import (
	"crypto/tls"
	"fmt"
	"os"

	"golang.org/x/crypto/pkcs12"
)

// TLSSettings selects the client certificate source and server
// validation policy for the control connection.
type TLSSettings struct {
	// CertificateFile and PrivateKeyFile name a PEM certificate/key
	// pair. Both must be set together.
	CertificateFile string
	PrivateKeyFile  string

	// PKCS12File names a PKCS#12 bundle, used when the PEM pair is not
	// set. PKCS12Password may be empty.
	PKCS12File     string
	PKCS12Password string

	// ValidateServerCert enables normal chain and hostname validation.
	// Mumble deployments commonly run self-signed, so this is a policy
	// choice surfaced to the caller.
	ValidateServerCert bool

	// ServerName overrides the SNI/verification name; defaults to the
	// dialed host.
	ServerName string
}

// buildTLSConfig assembles the tls.Config for a control connection,
// loading the client certificate from PEM or PKCS#12 when configured.
func buildTLSConfig(settings TLSSettings, host string) (*tls.Config, error) {
	serverName := settings.ServerName
	if serverName == "" {
		serverName = host
	}

	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         serverName,
		InsecureSkipVerify: !settings.ValidateServerCert,
	}

	switch {
	case settings.CertificateFile != "":
		cert, err := tls.LoadX509KeyPair(settings.CertificateFile, settings.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("protocol: load PEM client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}

	case settings.PKCS12File != "":
		cert, err := loadPKCS12(settings.PKCS12File, settings.PKCS12Password)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

func loadPKCS12(path, password string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("protocol: read PKCS#12 bundle: %w", err)
	}

	key, cert, err := pkcs12.Decode(data, password)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("protocol: parse PKCS#12 bundle: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  key,
		Leaf:        cert,
	}, nil
}
