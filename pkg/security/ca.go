// Package security provides the cluster's certificate authority and mTLS
// helpers, adapted from the teacher repo's pkg/security (trimmed to CA and
// certificate management; the teacher's secrets-at-rest manager isn't part
// of this spec's data model and was dropped, see DESIGN.md).
package security

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/driftdb/driftdb/pkg/storage"
)

// CABucketName is the reserved storage map used to persist the root CA
// material alongside the cluster's ordinary CRDT maps. Exported so offline
// tooling (driftdb-cli status) can tell the CA's bucket apart from a
// cluster's own CRDT maps without importing this package's internals.
const CABucketName = "__ca__"
const caMapName = CABucketName
const caRootKey = "root"

// CertAuthority issues and verifies node/client certificates for mTLS on
// both the client-facing WebSocket frontend and the peer-to-peer cluster
// transport.
type CertAuthority struct {
	rootCert  *x509.Certificate
	rootKey   *rsa.PrivateKey
	store     storage.Store
	certCache map[string]*CachedCert
	mu        sync.RWMutex
}

// CachedCert is an issued certificate kept in memory to avoid re-signing on
// every reconnect.
type CachedCert struct {
	Cert      *x509.Certificate
	Key       *rsa.PrivateKey
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type caData struct {
	RootCertDER []byte
	RootKeyDER  []byte
}

const (
	rootCAValidity   = 10 * 365 * 24 * time.Hour
	nodeCertValidity = 90 * 24 * time.Hour
	rootKeySize      = 4096
	nodeKeySize      = 2048
)

// NewCertAuthority creates a CA backed by store for persistence.
func NewCertAuthority(store storage.Store) *CertAuthority {
	return &CertAuthority{
		store:     store,
		certCache: make(map[string]*CachedCert),
	}
}

// Initialize generates a new root CA keypair and self-signed certificate.
func (ca *CertAuthority) Initialize() error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	rootKey, err := rsa.GenerateKey(rand.Reader, rootKeySize)
	if err != nil {
		return fmt.Errorf("security: generate root key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("security: generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"driftdb cluster"},
			CommonName:   "driftdb Root CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(rootCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
		MaxPathLenZero:        false,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &rootKey.PublicKey, rootKey)
	if err != nil {
		return fmt.Errorf("security: create root certificate: %w", err)
	}

	rootCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("security: parse root certificate: %w", err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey
	return nil
}

// LoadFromStore loads a previously persisted CA.
func (ca *CertAuthority) LoadFromStore(ctx context.Context) error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	data, err := ca.store.Load(ctx, caMapName, caRootKey)
	if err != nil {
		return fmt.Errorf("security: load CA from storage: %w", err)
	}
	if data == nil {
		return fmt.Errorf("security: no CA present in storage")
	}

	var cd caData
	if err := json.Unmarshal(data, &cd); err != nil {
		return fmt.Errorf("security: unmarshal CA data: %w", err)
	}

	rootCert, err := x509.ParseCertificate(cd.RootCertDER)
	if err != nil {
		return fmt.Errorf("security: parse root certificate: %w", err)
	}

	rootKey, err := x509.ParsePKCS1PrivateKey(cd.RootKeyDER)
	if err != nil {
		return fmt.Errorf("security: parse root key: %w", err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey
	return nil
}

// SaveToStore persists the CA's root certificate and key.
func (ca *CertAuthority) SaveToStore(ctx context.Context) error {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return fmt.Errorf("security: CA not initialized")
	}

	cd := caData{
		RootCertDER: ca.rootCert.Raw,
		RootKeyDER:  x509.MarshalPKCS1PrivateKey(ca.rootKey),
	}

	data, err := json.Marshal(cd)
	if err != nil {
		return fmt.Errorf("security: marshal CA data: %w", err)
	}

	if err := ca.store.Store(ctx, caMapName, caRootKey, data); err != nil {
		return fmt.Errorf("security: save CA to storage: %w", err)
	}
	return nil
}

// IssueNodeCertificate issues an mTLS certificate for a cluster peer (used
// for clusterTls), identified by nodeID and reachable at dnsNames/ips.
func (ca *CertAuthority) IssueNodeCertificate(nodeID string, dnsNames []string, ipAddresses []net.IP) (*tls.Certificate, error) {
	return ca.issue(fmt.Sprintf("node-%s", nodeID), dnsNames, ipAddresses,
		[]x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth})
}

// IssueClientCertificate issues a certificate for a WebSocket client (used
// for the client-facing tls option when client-cert auth is enabled).
func (ca *CertAuthority) IssueClientCertificate(clientID string) (*tls.Certificate, error) {
	return ca.issue(fmt.Sprintf("client-%s", clientID), nil, nil,
		[]x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth})
}

func (ca *CertAuthority) issue(cn string, dnsNames []string, ips []net.IP, extUsage []x509.ExtKeyUsage) (*tls.Certificate, error) {
	ca.mu.RLock()
	rootCert, rootKey := ca.rootCert, ca.rootKey
	ca.mu.RUnlock()

	if rootCert == nil || rootKey == nil {
		return nil, fmt.Errorf("security: CA not initialized")
	}

	key, err := rsa.GenerateKey(rand.Reader, nodeKeySize)
	if err != nil {
		return nil, fmt.Errorf("security: generate key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("security: generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{Organization: []string{"driftdb cluster"}, CommonName: cn},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(nodeCertValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  extUsage,
		DNSNames:     dnsNames,
		IPAddresses:  ips,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, rootCert, &key.PublicKey, rootKey)
	if err != nil {
		return nil, fmt.Errorf("security: create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("security: parse certificate: %w", err)
	}

	tlsCert := &tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
		Leaf:        cert,
	}

	ca.mu.Lock()
	ca.certCache[cn] = &CachedCert{Cert: cert, Key: key, IssuedAt: cert.NotBefore, ExpiresAt: cert.NotAfter}
	ca.mu.Unlock()

	return tlsCert, nil
}

// VerifyCertificate checks cert against the root CA.
func (ca *CertAuthority) VerifyCertificate(cert *x509.Certificate) error {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil {
		return fmt.Errorf("security: CA not initialized")
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca.rootCert)

	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}

	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("security: certificate verification failed: %w", err)
	}
	return nil
}

// GetRootCACert returns the root CA certificate in DER form.
func (ca *CertAuthority) GetRootCACert() []byte {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	if ca.rootCert == nil {
		return nil
	}
	return ca.rootCert.Raw
}

// IsInitialized reports whether the CA has a root keypair.
func (ca *CertAuthority) IsInitialized() bool {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.rootCert != nil && ca.rootKey != nil
}

// GetCachedCert retrieves a previously issued certificate.
func (ca *CertAuthority) GetCachedCert(id string) (*CachedCert, bool) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	c, ok := ca.certCache[id]
	return c, ok
}

// EnsureNodeCert returns a valid mTLS certificate for nodeID, reusing an
// on-disk cert cached under certDir (via SaveCertToFile/LoadCertFromFile)
// across process restarts rather than re-signing one on every boot.
// A missing cache, a CA mismatch, or a cert inside its rotation window
// all fall back to issuing and persisting a fresh one.
func (ca *CertAuthority) EnsureNodeCert(nodeID, certDir string, dnsNames []string, ipAddresses []net.IP) (*tls.Certificate, error) {
	return ca.ensureCert(certDir, func() (*tls.Certificate, error) {
		return ca.IssueNodeCertificate(nodeID, dnsNames, ipAddresses)
	})
}

// EnsureClientCert is EnsureNodeCert's counterpart for a WebSocket or CLI
// client identity.
func (ca *CertAuthority) EnsureClientCert(clientID, certDir string) (*tls.Certificate, error) {
	return ca.ensureCert(certDir, func() (*tls.Certificate, error) {
		return ca.IssueClientCertificate(clientID)
	})
}

func (ca *CertAuthority) ensureCert(certDir string, issue func() (*tls.Certificate, error)) (*tls.Certificate, error) {
	if CertExists(certDir) {
		cachedCA, err := LoadCACertFromFile(certDir)
		if root := ca.rootCertSnapshot(); err == nil && root != nil && bytes.Equal(cachedCA.Raw, root.Raw) {
			cert, err := LoadCertFromFile(certDir)
			if err == nil && !CertNeedsRotation(cert.Leaf) {
				return cert, nil
			}
		}
	}

	cert, err := issue()
	if err != nil {
		return nil, err
	}
	if err := SaveCertToFile(cert, certDir); err != nil {
		return nil, fmt.Errorf("security: cache cert to disk: %w", err)
	}
	if err := SaveCACertToFile(ca.GetRootCACert(), certDir); err != nil {
		return nil, fmt.Errorf("security: cache ca cert to disk: %w", err)
	}
	return cert, nil
}

func (ca *CertAuthority) rootCertSnapshot() *x509.Certificate {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.rootCert
}
