package security

import (
	"crypto/x509"
	"net"
	"testing"
	"time"

	"github.com/cuemby/warrenledger/pkg/storage"
)

func TestInitializeCA(t *testing.T) {
	key := DeriveKeyFromChainID("test-chain")
	if err := SetChainEncryptionKey(key); err != nil {
		t.Fatalf("Failed to set chain encryption key: %v", err)
	}

	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	ca := NewCertAuthority(store)
	if err := ca.Initialize(); err != nil {
		t.Fatalf("Failed to initialize CA: %v", err)
	}

	if !ca.IsInitialized() {
		t.Error("CA should be initialized")
	}
	if ca.rootCert == nil {
		t.Error("Root certificate should not be nil")
	}
	if ca.rootKey == nil {
		t.Error("Root key should not be nil")
	}
	if !ca.rootCert.IsCA {
		t.Error("Root certificate should be a CA")
	}

	expectedExpiry := time.Now().Add(rootCAValidity)
	if ca.rootCert.NotAfter.Before(expectedExpiry.Add(-time.Hour)) {
		t.Errorf("Root cert expiry too early: %v, expected around %v", ca.rootCert.NotAfter, expectedExpiry)
	}
}

func TestSaveLoadCA(t *testing.T) {
	key := DeriveKeyFromChainID("test-chain")
	if err := SetChainEncryptionKey(key); err != nil {
		t.Fatalf("Failed to set chain encryption key: %v", err)
	}

	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	ca1 := NewCertAuthority(store)
	if err := ca1.Initialize(); err != nil {
		t.Fatalf("Failed to initialize CA: %v", err)
	}
	if err := ca1.SaveToStore(); err != nil {
		t.Fatalf("Failed to save CA: %v", err)
	}

	ca2 := NewCertAuthority(store)
	loaded, err := ca2.LoadFromStore()
	if err != nil {
		t.Fatalf("Failed to load CA: %v", err)
	}
	if !loaded {
		t.Fatal("Expected a persisted CA to be found")
	}

	if !ca2.IsInitialized() {
		t.Error("Loaded CA should be initialized")
	}
	if !ca1.rootCert.Equal(ca2.rootCert) {
		t.Error("Loaded root cert should match original")
	}
	if ca1.rootKey.N.Cmp(ca2.rootKey.N) != 0 {
		t.Error("Loaded root key should match original")
	}
}

func TestLoadFromStoreWithNoPersistedCA(t *testing.T) {
	key := DeriveKeyFromChainID("test-chain")
	if err := SetChainEncryptionKey(key); err != nil {
		t.Fatalf("Failed to set chain encryption key: %v", err)
	}

	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	ca := NewCertAuthority(store)
	loaded, err := ca.LoadFromStore()
	if err != nil {
		t.Fatalf("LoadFromStore should not error when nothing is persisted: %v", err)
	}
	if loaded {
		t.Error("Expected no CA to be found in an empty store")
	}
	if ca.IsInitialized() {
		t.Error("CA should not be initialized after an empty load")
	}
}

func TestIssueNodeCertificate(t *testing.T) {
	key := DeriveKeyFromChainID("test-chain")
	if err := SetChainEncryptionKey(key); err != nil {
		t.Fatalf("Failed to set chain encryption key: %v", err)
	}

	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	ca := NewCertAuthority(store)
	if err := ca.Initialize(); err != nil {
		t.Fatalf("Failed to initialize CA: %v", err)
	}

	tests := []struct {
		name   string
		nodeID string
		role   string
	}{
		{"Validator certificate", "node1", "validator"},
		{"Seed certificate", "node2", "seed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cert, err := ca.IssueNodeCertificate(tt.nodeID, tt.role, []string{}, []net.IP{})
			if err != nil {
				t.Fatalf("Failed to issue certificate: %v", err)
			}
			if cert.Leaf == nil {
				t.Error("Certificate Leaf should not be nil")
			}

			expectedCN := tt.role + "-" + tt.nodeID
			if cert.Leaf.Subject.CommonName != expectedCN {
				t.Errorf("Expected CN %s, got %s", expectedCN, cert.Leaf.Subject.CommonName)
			}

			expectedExpiry := time.Now().Add(nodeCertValidity)
			if cert.Leaf.NotAfter.Before(expectedExpiry.Add(-time.Hour)) {
				t.Errorf("Cert expiry too early: %v, expected around %v", cert.Leaf.NotAfter, expectedExpiry)
			}

			if cert.Leaf.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
				t.Error("Certificate should have DigitalSignature key usage")
			}

			hasClientAuth := false
			hasServerAuth := false
			for _, usage := range cert.Leaf.ExtKeyUsage {
				if usage == x509.ExtKeyUsageClientAuth {
					hasClientAuth = true
				}
				if usage == x509.ExtKeyUsageServerAuth {
					hasServerAuth = true
				}
			}
			if !hasClientAuth {
				t.Error("Certificate should have ClientAuth extended key usage")
			}
			if !hasServerAuth {
				t.Error("Certificate should have ServerAuth extended key usage")
			}
		})
	}
}

func TestIssueDialCertificate(t *testing.T) {
	key := DeriveKeyFromChainID("test-chain")
	if err := SetChainEncryptionKey(key); err != nil {
		t.Fatalf("Failed to set chain encryption key: %v", err)
	}

	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	ca := NewCertAuthority(store)
	if err := ca.Initialize(); err != nil {
		t.Fatalf("Failed to initialize CA: %v", err)
	}

	peerID := "validator-2"
	cert, err := ca.IssueDialCertificate(peerID)
	if err != nil {
		t.Fatalf("Failed to issue dial certificate: %v", err)
	}
	if cert.Leaf == nil {
		t.Error("Certificate Leaf should not be nil")
	}

	expectedCN := "dial-" + peerID
	if cert.Leaf.Subject.CommonName != expectedCN {
		t.Errorf("Expected CN %s, got %s", expectedCN, cert.Leaf.Subject.CommonName)
	}

	hasClientAuth := false
	hasServerAuth := false
	for _, usage := range cert.Leaf.ExtKeyUsage {
		if usage == x509.ExtKeyUsageClientAuth {
			hasClientAuth = true
		}
		if usage == x509.ExtKeyUsageServerAuth {
			hasServerAuth = true
		}
	}
	if !hasClientAuth {
		t.Error("Dial certificate should have ClientAuth extended key usage")
	}
	if hasServerAuth {
		t.Error("Dial certificate should not have ServerAuth extended key usage")
	}
}

func TestVerifyCertificate(t *testing.T) {
	key := DeriveKeyFromChainID("test-chain")
	if err := SetChainEncryptionKey(key); err != nil {
		t.Fatalf("Failed to set chain encryption key: %v", err)
	}

	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	ca := NewCertAuthority(store)
	if err := ca.Initialize(); err != nil {
		t.Fatalf("Failed to initialize CA: %v", err)
	}

	cert, err := ca.IssueNodeCertificate("test-node", "validator", []string{}, []net.IP{})
	if err != nil {
		t.Fatalf("Failed to issue certificate: %v", err)
	}

	if err := ca.VerifyCertificate(cert.Leaf); err != nil {
		t.Errorf("Certificate verification failed: %v", err)
	}
}

func TestGetRootCACert(t *testing.T) {
	key := DeriveKeyFromChainID("test-chain")
	if err := SetChainEncryptionKey(key); err != nil {
		t.Fatalf("Failed to set chain encryption key: %v", err)
	}

	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	ca := NewCertAuthority(store)
	if err := ca.Initialize(); err != nil {
		t.Fatalf("Failed to initialize CA: %v", err)
	}

	rootCertDER := ca.GetRootCACert()
	if rootCertDER == nil {
		t.Fatal("Root CA cert should not be nil")
	}

	parsedCert, err := x509.ParseCertificate(rootCertDER)
	if err != nil {
		t.Fatalf("Failed to parse root CA cert: %v", err)
	}
	if !parsedCert.Equal(ca.rootCert) {
		t.Error("Returned root CA cert should match internal cert")
	}
}

func TestCertCache(t *testing.T) {
	key := DeriveKeyFromChainID("test-chain")
	if err := SetChainEncryptionKey(key); err != nil {
		t.Fatalf("Failed to set chain encryption key: %v", err)
	}

	store, err := storage.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	ca := NewCertAuthority(store)
	if err := ca.Initialize(); err != nil {
		t.Fatalf("Failed to initialize CA: %v", err)
	}

	nodeID := "test-node"
	_, err = ca.IssueNodeCertificate(nodeID, "validator", []string{}, []net.IP{})
	if err != nil {
		t.Fatalf("Failed to issue certificate: %v", err)
	}

	cached, exists := ca.GetCachedCert(nodeID)
	if !exists {
		t.Error("Certificate should be in cache")
	}
	if cached == nil {
		t.Error("Cached certificate should not be nil")
	}
	if cached.Cert.Subject.CommonName != "validator-"+nodeID {
		t.Errorf("Cached cert CN mismatch: %s", cached.Cert.Subject.CommonName)
	}
}
