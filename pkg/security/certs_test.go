package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/driftdb/driftdb/pkg/storage/boltstore"
)

func TestSaveLoadCertToFile(t *testing.T) {
	tmpStoreDir := t.TempDir()
	tmpCertDir := t.TempDir()

	store, err := boltstore.New(tmpStoreDir)
	require.NoError(t, err)
	defer store.Close()

	ca := NewCertAuthority(store)
	require.NoError(t, ca.Initialize())

	tlsCert, err := ca.IssueNodeCertificate("node-1", []string{"node-1"}, nil)
	require.NoError(t, err)

	require.NoError(t, SaveCertToFile(tlsCert, tmpCertDir))
	require.NoError(t, SaveCACertToFile(ca.GetRootCACert(), tmpCertDir))

	require.True(t, CertExists(tmpCertDir))

	loaded, err := LoadCertFromFile(tmpCertDir)
	require.NoError(t, err)
	require.Equal(t, tlsCert.Leaf.SerialNumber, loaded.Leaf.SerialNumber)

	caCert, err := LoadCACertFromFile(tmpCertDir)
	require.NoError(t, err)
	require.Equal(t, ca.rootCert.SerialNumber, caCert.SerialNumber)
}

func TestCertDirLayout(t *testing.T) {
	dir, err := GetCertDir("peer", "node-42")
	require.NoError(t, err)
	require.Equal(t, filepath.Base(dir), "peer-node-42")

	cliDir, err := GetCLICertDir()
	require.NoError(t, err)
	require.Equal(t, filepath.Base(cliDir), "cli")
}

func TestCertNeedsRotation(t *testing.T) {
	require.True(t, CertNeedsRotation(nil))
}

func TestRemoveCerts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.crt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0600))
	require.NoError(t, RemoveCerts(dir))
	_, err := os.Stat(dir)
	require.Error(t, err)
}
