package proxy

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	caCertFile = "ca.pem"
	caKeyFile  = "ca-key.pem"

	caCommonName   = "Claude Wiretap CA"
	caOrganization = "Claude Wiretap"
	caValidity     = 365 * 24 * time.Hour
)

// CA is the local certificate authority used to sign per-host leaf
// certificates for intercepted tunnels.
type CA struct {
	CertPath string
	KeyPath  string
	CertPEM  []byte
	Cert     tls.Certificate
	// Generated is set when the pair was created by this call.
	Generated bool
}

// LoadOrCreateCA loads ca.pem and ca-key.pem from dir, generating a new pair
// when either is missing or the certificate has expired.
func LoadOrCreateCA(dir string) (*CA, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating CA directory: %w", err)
	}

	ca := &CA{
		CertPath: filepath.Join(dir, caCertFile),
		KeyPath:  filepath.Join(dir, caKeyFile),
	}

	certPEM, certErr := os.ReadFile(ca.CertPath)
	keyPEM, keyErr := os.ReadFile(ca.KeyPath)
	switch {
	case certErr == nil && keyErr == nil:
		if err := ca.load(certPEM, keyPEM); err != nil {
			return nil, err
		}
		if time.Now().Before(ca.Cert.Leaf.NotAfter) {
			log.Info().Str("dir", dir).Msg("using existing CA certificate")
			return ca, nil
		}
		log.Warn().Time("expired", ca.Cert.Leaf.NotAfter).Msg("CA certificate expired, regenerating")
	case errors.Is(certErr, fs.ErrNotExist) || errors.Is(keyErr, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("reading CA files: %w", errors.Join(certErr, keyErr))
	}

	certPEM, keyPEM, err := GenerateCA(caCommonName, caOrganization, caValidity)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(ca.CertPath, certPEM, 0o644); err != nil {
		return nil, fmt.Errorf("writing CA certificate: %w", err)
	}
	if err := os.WriteFile(ca.KeyPath, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("writing CA key: %w", err)
	}
	if err := ca.load(certPEM, keyPEM); err != nil {
		return nil, err
	}
	ca.Generated = true

	log.Info().Str("dir", dir).Msg("generated new CA certificate")
	return ca, nil
}

func (ca *CA) load(certPEM, keyPEM []byte) error {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("loading CA key pair: %w", err)
	}
	if cert.Leaf == nil {
		if cert.Leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
			return fmt.Errorf("parsing CA certificate: %w", err)
		}
	}
	if !cert.Leaf.IsCA {
		return fmt.Errorf("certificate at %s is not a CA", ca.CertPath)
	}
	ca.Cert = cert
	ca.CertPEM = certPEM
	return nil
}

// GenerateCA creates a self-signed CA certificate and PEM-encodes it with
// its RSA key.
func GenerateCA(commonName, organization string, validity time.Duration) (certPEM, keyPEM []byte, err error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("generating private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generating serial number: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{organization},
			CommonName:   commonName,
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("creating certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey)})
	return certPEM, keyPEM, nil
}
