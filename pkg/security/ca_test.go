package security

import (
	"context"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftdb/driftdb/pkg/storage/boltstore"
)

func newTestCA(t *testing.T) *CertAuthority {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "driftdb-ca-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := boltstore.New(tmpDir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return NewCertAuthority(store)
}

func TestCertAuthorityInitialize(t *testing.T) {
	ca := newTestCA(t)
	require.NoError(t, ca.Initialize())
	require.True(t, ca.IsInitialized())
	require.True(t, ca.rootCert.IsCA)
}

func TestCertAuthoritySaveAndLoad(t *testing.T) {
	ctx := context.Background()
	ca := newTestCA(t)
	require.NoError(t, ca.Initialize())
	require.NoError(t, ca.SaveToStore(ctx))

	reloaded := NewCertAuthority(ca.store)
	require.NoError(t, reloaded.LoadFromStore(ctx))
	require.True(t, reloaded.IsInitialized())
	require.Equal(t, ca.rootCert.SerialNumber, reloaded.rootCert.SerialNumber)
}

func TestIssueAndVerifyNodeCertificate(t *testing.T) {
	ca := newTestCA(t)
	require.NoError(t, ca.Initialize())

	tlsCert, err := ca.IssueNodeCertificate("node-1", []string{"node-1.cluster.local"}, []net.IP{net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	require.NoError(t, ca.VerifyCertificate(tlsCert.Leaf))
}

func TestIssueClientCertificate(t *testing.T) {
	ca := newTestCA(t)
	require.NoError(t, ca.Initialize())

	tlsCert, err := ca.IssueClientCertificate("client-1")
	require.NoError(t, err)
	require.NoError(t, ca.VerifyCertificate(tlsCert.Leaf))

	cached, ok := ca.GetCachedCert("client-client-1")
	require.True(t, ok)
	require.Equal(t, tlsCert.Leaf.SerialNumber, cached.Cert.SerialNumber)
}

func TestVerifyCertificateRejectsForeignCert(t *testing.T) {
	ca := newTestCA(t)
	require.NoError(t, ca.Initialize())

	other := newTestCA(t)
	require.NoError(t, other.Initialize())
	foreignCert, err := other.IssueNodeCertificate("node-x", nil, nil)
	require.NoError(t, err)

	require.Error(t, ca.VerifyCertificate(foreignCert.Leaf))
}

func TestEnsureNodeCertCachesOnDisk(t *testing.T) {
	ca := newTestCA(t)
	require.NoError(t, ca.Initialize())

	certDir := t.TempDir()

	first, err := ca.EnsureNodeCert("node-1", certDir, nil, []net.IP{net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	require.True(t, CertExists(certDir))

	second, err := ca.EnsureNodeCert("node-1", certDir, nil, []net.IP{net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	require.Equal(t, first.Leaf.SerialNumber, second.Leaf.SerialNumber, "expected the cached cert to be reused instead of reissued")
}

func TestEnsureNodeCertReissuesWhenCADoesNotMatch(t *testing.T) {
	ca := newTestCA(t)
	require.NoError(t, ca.Initialize())
	certDir := t.TempDir()
	_, err := ca.EnsureNodeCert("node-1", certDir, nil, nil)
	require.NoError(t, err)

	other := newTestCA(t)
	require.NoError(t, other.Initialize())
	reissued, err := other.EnsureNodeCert("node-1", certDir, nil, nil)
	require.NoError(t, err)
	require.NoError(t, other.VerifyCertificate(reissued.Leaf))
}

func TestEnsureClientCertCachesOnDisk(t *testing.T) {
	ca := newTestCA(t)
	require.NoError(t, ca.Initialize())
	certDir := t.TempDir()

	first, err := ca.EnsureClientCert("cli", certDir)
	require.NoError(t, err)
	second, err := ca.EnsureClientCert("cli", certDir)
	require.NoError(t, err)
	require.Equal(t, first.Leaf.SerialNumber, second.Leaf.SerialNumber)
}
