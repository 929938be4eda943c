/*
Package security provides the cryptographic services a validator peer needs
to authenticate its RPC connections: AES-256-GCM encryption for data at
rest, and a certificate authority for mutual TLS between validators.

# Chain Encryption Key

All of it is rooted in the chain encryption key, a 32-byte key derived from
the chain ID at genesis:

	chainKey = SHA-256(chainID)  // 32 bytes for AES-256

This key encrypts the CA's root private key before it is written to
storage. It is derived deterministically, so a replica that restarts with
the same chain ID recomputes the same key rather than needing a separate
backup.

# Certificate Authority

The CA is a self-signed root created once at genesis:

	Root CA (self-signed)
	├── 10-year validity
	├── RSA 4096-bit key
	├── KeyUsage: CertSign, CRLSign
	└── Subject: CN=Warren Ledger Root CA, O=Warren Ledger

The root certificate is stored as plaintext (it is public); the root
private key is AES-256-GCM encrypted with the chain encryption key before
it is written to iface.ColumnMeta under the "tls_ca" key.

From that root, the CA issues two kinds of leaf certificate:

	Node certificate (IssueNodeCertificate)
	├── 90-day validity, RSA 2048-bit
	├── ExtKeyUsage: ServerAuth, ClientAuth
	└── Subject: CN={role}-{nodeID}, O=Warren Ledger

	Dial certificate (IssueDialCertificate)
	├── 90-day validity, RSA 2048-bit
	├── ExtKeyUsage: ClientAuth only
	└── Subject: CN=dial-{peerID}, O=Warren Ledger

A validator dials its peers as a gRPC client as often as it accepts
inbound connections from them, so both roles need a certificate: the node
certificate serves inbound RPC, the dial certificate authenticates
outbound connections.

# Usage

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		panic(err)
	}

	key := security.DeriveKeyFromChainID(chainID)
	if err := security.SetChainEncryptionKey(key); err != nil {
		panic(err)
	}

	ca := security.NewCertAuthority(store)
	loaded, err := ca.LoadFromStore()
	if err != nil {
		panic(err)
	}
	if !loaded {
		if err := ca.Initialize(); err != nil {
			panic(err)
		}
		if err := ca.SaveToStore(); err != nil {
			panic(err)
		}
	}

	selfCert, err := ca.IssueNodeCertificate(nodeID, "validator", dnsNames, ipAddrs)
	if err != nil {
		panic(err)
	}

# gRPC Integration

pkg/rpc wraps the issued certificates in credentials.NewTLS for both the
server and the dial side:

	// Serving inbound connections
	creds := credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{*selfCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    rootPool,
	})

	// Dialing a peer
	creds := credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{*dialCert},
		RootCAs:      rootPool,
	})

# Threat Model

This protects against network eavesdropping and peer impersonation. It
does not protect against a compromised chain encryption key (all CA
material exposed) or a compromised validator process (full access to
whatever that validator could already sign for).
*/
package security
