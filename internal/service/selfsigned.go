package service

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

// externalOrSelfSignedCertificate loads the serving certificate from the
// EXTERNAL_CERT_PEM and EXTERNAL_KEY_PEM files when both are set, and
// generates a self-signed one otherwise.
func externalOrSelfSignedCertificate(commonName string, dnsnames []string, ipaddresses []net.IP) (*tls.Certificate, error) {
	certPEMPath := os.Getenv("EXTERNAL_CERT_PEM")
	keyPEMPath := os.Getenv("EXTERNAL_KEY_PEM")
	if certPEMPath != "" && keyPEMPath != "" {
		certPEMBytes, err := os.ReadFile(certPEMPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read external certificate file: %w", err)
		}
		keyPEMBytes, err := os.ReadFile(keyPEMPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read external key file: %w", err)
		}
		cert, err := tls.X509KeyPair(certPEMBytes, keyPEMBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse external certificate: %w", err)
		}
		return &cert, nil
	}

	return NewSelfSignedCertificate(commonName, dnsnames, ipaddresses)
}

func NewSelfSignedCertificate(commonName string, dnsnames []string, ipaddresses []net.IP) (*tls.Certificate, error) {
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		BasicConstraintsValid: true,
		DNSNames:              dnsnames,
		IPAddresses:           ipaddresses,
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	certificate, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, err
	}

	return &tls.Certificate{
		Certificate: [][]byte{certificate},
		PrivateKey:  priv,
	}, nil
}
