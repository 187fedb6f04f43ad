package rpc

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
)

const (
	EnvTLSCert = "TLS_CERT"
	EnvTLSKey  = "TLS_KEY"
	EnvTLSCA   = "TLS_CA"
)

var ErrTLSKeyPair = errors.New("TLS_CERT and TLS_KEY must be set together")

// TLSConfigFromEnv загружает TLS конфигурацию для https и wss из переменных окружения
// TLS_CERT - клиентский сертификат в base64
// TLS_KEY - приватный ключ в base64
// TLS_CA - CA сертификат сервера в base64
//
// Returns nil when none of them is set.
func TLSConfigFromEnv() (*tls.Config, error) {
	certB64 := os.Getenv(EnvTLSCert)
	keyB64 := os.Getenv(EnvTLSKey)
	caB64 := os.Getenv(EnvTLSCA)

	if certB64 == "" && keyB64 == "" && caB64 == "" {
		return nil, nil
	}

	if (certB64 == "") != (keyB64 == "") {
		return nil, ErrTLSKeyPair
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if certB64 != "" {
		certPEM, err := base64.StdEncoding.DecodeString(certB64)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", EnvTLSCert, err)
		}

		keyPEM, err := base64.StdEncoding.DecodeString(keyB64)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", EnvTLSKey, err)
		}

		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("invalid key pair: %w", err)
		}

		cfg.Certificates = []tls.Certificate{cert}
	}

	// CA необязателен, без него используются системные корни
	if caB64 != "" {
		caPEM, err := base64.StdEncoding.DecodeString(caB64)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", EnvTLSCA, err)
		}

		rootCAs := x509.NewCertPool()
		if !rootCAs.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}

		cfg.RootCAs = rootCAs
	}

	return cfg, nil
}
