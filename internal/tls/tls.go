// Package tls builds server TLS configurations for the relay's HTTPS listener.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

// certValidity is how long a generated certificate stays valid.
const certValidity = 365 * 24 * time.Hour

var defaultHosts = []string{"localhost", "127.0.0.1"}

// GenerateSelfSignedCert generates an in-memory ECDSA P-256 self-signed
// certificate for hosts. Entries that parse as IPs become IP SANs, the rest
// DNS SANs. The first host is the subject CN. With no hosts the certificate
// covers localhost and 127.0.0.1. No files are written to disk.
func GenerateSelfSignedCert(hosts ...string) (*tls.Certificate, error) {
	if len(hosts) == 0 {
		hosts = defaultHosts
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: hosts[0], Organization: []string{"gmail-relay"}},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	cert, err := tls.X509KeyPair(
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create X509 key pair: %w", err)
	}
	cert.Leaf, err = x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return &cert, nil
}

// LoadOrGenerate loads the key pair at certFile and keyFile, or generates a
// self-signed certificate for hosts when both paths are empty. The returned
// config is ready for an HTTPS listener.
func LoadOrGenerate(certFile, keyFile string, hosts []string) (*tls.Config, error) {
	var cert tls.Certificate

	switch {
	case certFile != "" && keyFile != "":
		if _, err := os.Stat(certFile); err != nil {
			return nil, fmt.Errorf("certificate file not found: %w", err)
		}
		if _, err := os.Stat(keyFile); err != nil {
			return nil, fmt.Errorf("key file not found: %w", err)
		}

		loaded, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		cert = loaded
	case certFile != "" || keyFile != "":
		return nil, fmt.Errorf("both certificate and key files are required")
	default:
		generated, err := GenerateSelfSignedCert(hosts...)
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed cert: %w", err)
		}
		cert = *generated
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"h2", "http/1.1"},
	}, nil
}
