package security

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// certRotationThreshold is how far out from expiry CertAuthority's
	// Ensure* methods treat an on-disk cert as stale and reissue it.
	certRotationThreshold = 30 * 24 * time.Hour

	// defaultCertDir is the on-disk cache root, relative to the user's
	// home directory, for node and client certs issued by CertAuthority.
	defaultCertDir = ".driftdb/certs"
)

// certDirFor returns the on-disk cache directory for one node's cert
// material, scoped by role so a manager-only and worker-only deployment
// sharing a home directory don't collide.
func certDirFor(role, id string) (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("security: resolve home directory: %w", err)
	}
	return filepath.Join(homeDir, defaultCertDir, fmt.Sprintf("%s-%s", role, id)), nil
}

// GetCertDir returns the on-disk cert cache directory for a node of the
// given role (e.g. "node") and id.
func GetCertDir(role, id string) (string, error) {
	return certDirFor(role, id)
}

// GetCLICertDir returns the on-disk cert cache directory driftdb-cli uses
// for its own client certificate.
func GetCLICertDir() (string, error) {
	return certDirFor("client", "cli")
}

// SaveCertToFile writes cert's leaf certificate and RSA private key as
// PEM files (node.crt, node.key) under certDir, creating it if needed.
func SaveCertToFile(cert *tls.Certificate, certDir string) error {
	if err := os.MkdirAll(certDir, 0700); err != nil {
		return fmt.Errorf("security: create cert dir %s: %w", certDir, err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: cert.Certificate[0],
	})
	if err := os.WriteFile(filepath.Join(certDir, "node.crt"), certPEM, 0600); err != nil {
		return fmt.Errorf("security: write cert: %w", err)
	}

	privateKey, ok := cert.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("security: cert private key is not RSA")
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})
	if err := os.WriteFile(filepath.Join(certDir, "node.key"), keyPEM, 0600); err != nil {
		return fmt.Errorf("security: write key: %w", err)
	}
	return nil
}

// LoadCertFromFile reads the node.crt/node.key pair back from certDir.
func LoadCertFromFile(certDir string) (*tls.Certificate, error) {
	certPath := filepath.Join(certDir, "node.crt")
	keyPath := filepath.Join(certDir, "node.key")

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("security: load cert pair: %w", err)
	}

	if cert.Leaf == nil {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("security: parse cert leaf: %w", err)
		}
		cert.Leaf = leaf
	}
	return &cert, nil
}

// SaveCACertToFile writes the cluster root CA's DER bytes as ca.crt under
// certDir, alongside whatever node/client cert already lives there.
func SaveCACertToFile(caCert []byte, certDir string) error {
	if err := os.MkdirAll(certDir, 0700); err != nil {
		return fmt.Errorf("security: create cert dir %s: %w", certDir, err)
	}
	caPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: caCert,
	})
	if err := os.WriteFile(filepath.Join(certDir, "ca.crt"), caPEM, 0644); err != nil {
		return fmt.Errorf("security: write ca cert: %w", err)
	}
	return nil
}

// LoadCACertFromFile reads ca.crt back from certDir.
func LoadCACertFromFile(certDir string) (*x509.Certificate, error) {
	caPEM, err := os.ReadFile(filepath.Join(certDir, "ca.crt"))
	if err != nil {
		return nil, fmt.Errorf("security: read ca cert: %w", err)
	}
	block, _ := pem.Decode(caPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("security: decode ca cert PEM")
	}
	caCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("security: parse ca cert: %w", err)
	}
	return caCert, nil
}

// CertExists reports whether certDir holds a complete node/CA cert set.
func CertExists(certDir string) bool {
	for _, name := range []string{"node.crt", "node.key", "ca.crt"} {
		if _, err := os.Stat(filepath.Join(certDir, name)); err != nil {
			return false
		}
	}
	return true
}

// CertNeedsRotation reports whether cert is within certRotationThreshold
// of expiry, or nil (treated as needing issuance).
func CertNeedsRotation(cert *x509.Certificate) bool {
	if cert == nil {
		return true
	}
	return time.Until(cert.NotAfter) < certRotationThreshold
}

// GetCertExpiry returns cert's expiry time.
func GetCertExpiry(cert *x509.Certificate) time.Time {
	if cert == nil {
		return time.Time{}
	}
	return cert.NotAfter
}

// GetCertTimeRemaining returns the time remaining until cert expires.
func GetCertTimeRemaining(cert *x509.Certificate) time.Duration {
	if cert == nil {
		return 0
	}
	return time.Until(cert.NotAfter)
}

// ValidateCertChain verifies cert was signed by ca for either server or
// client auth.
func ValidateCertChain(cert, ca *x509.Certificate) error {
	if cert == nil {
		return fmt.Errorf("security: cert is nil")
	}
	if ca == nil {
		return fmt.Errorf("security: ca cert is nil")
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca)

	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("security: verify cert chain: %w", err)
	}
	return nil
}

// GetCertInfo returns a human-readable summary of cert, used by
// driftdb-cli's status output.
func GetCertInfo(cert *x509.Certificate) map[string]interface{} {
	if cert == nil {
		return map[string]interface{}{"error": "certificate is nil"}
	}
	return map[string]interface{}{
		"subject":       cert.Subject.CommonName,
		"issuer":        cert.Issuer.CommonName,
		"serial_number": cert.SerialNumber.String(),
		"not_before":    cert.NotBefore.Format(time.RFC3339),
		"not_after":     cert.NotAfter.Format(time.RFC3339),
		"is_ca":         cert.IsCA,
		"key_usage":     describeKeyUsage(cert.KeyUsage),
		"ext_key_usage": describeExtKeyUsage(cert.ExtKeyUsage),
	}
}

func describeKeyUsage(usage x509.KeyUsage) []string {
	var usages []string
	if usage&x509.KeyUsageDigitalSignature != 0 {
		usages = append(usages, "DigitalSignature")
	}
	if usage&x509.KeyUsageKeyEncipherment != 0 {
		usages = append(usages, "KeyEncipherment")
	}
	if usage&x509.KeyUsageCertSign != 0 {
		usages = append(usages, "CertSign")
	}
	if usage&x509.KeyUsageCRLSign != 0 {
		usages = append(usages, "CRLSign")
	}
	return usages
}

func describeExtKeyUsage(usages []x509.ExtKeyUsage) []string {
	var result []string
	for _, usage := range usages {
		switch usage {
		case x509.ExtKeyUsageClientAuth:
			result = append(result, "ClientAuth")
		case x509.ExtKeyUsageServerAuth:
			result = append(result, "ServerAuth")
		}
	}
	return result
}

// RemoveCerts deletes every cached cert file under certDir, forcing the
// next Ensure* call to reissue from scratch.
func RemoveCerts(certDir string) error {
	return os.RemoveAll(certDir)
}
