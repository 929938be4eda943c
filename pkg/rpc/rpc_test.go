package rpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/warrenledger/pkg/security"
	"github.com/cuemby/warrenledger/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/credentials"
)

func TestSendDeliversPayloadToHandler(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var received []byte
	done := make(chan struct{}, 1)

	server := NewServer(func(ctx context.Context, from string, payload []byte) error {
		mu.Lock()
		received = append([]byte(nil), payload...)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	go server.Serve(lis)
	defer server.Stop()

	transport := NewTransport([]string{lis.Addr().String()})
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, transport.Send(ctx, lis.Addr().String(), []byte("hello")))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler was never invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "hello", string(received))
}

func TestBroadcastReachesAllPeers(t *testing.T) {
	const n = 3
	listeners := make([]net.Listener, n)
	counts := make([]int, n)
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(n)

	servers := make([]*Server, n)
	for i := 0; i < n; i++ {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners[i] = lis
		idx := i
		servers[i] = NewServer(func(ctx context.Context, from string, payload []byte) error {
			mu.Lock()
			counts[idx]++
			mu.Unlock()
			wg.Done()
			return nil
		})
		go servers[i].Serve(lis)
	}
	defer func() {
		for _, s := range servers {
			s.Stop()
		}
	}()

	peers := make([]string, n)
	for i, lis := range listeners {
		peers[i] = lis.Addr().String()
	}
	transport := NewTransport(peers)
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, transport.Broadcast(ctx, []byte("block-proposal")))

	waitDone := make(chan struct{})
	go func() { wg.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(5 * time.Second):
		t.Fatal("not all peers received the broadcast")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, c := range counts {
		assert.Equal(t, 1, c, "peer %d", i)
	}
}

func TestSendOverMutualTLS(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, security.SetChainEncryptionKey(security.DeriveKeyFromChainID("rpc-tls-test")))
	ca := security.NewCertAuthority(store)
	require.NoError(t, ca.Initialize())

	serverCert, err := ca.IssueNodeCertificate("validator-1", "validator", []string{"localhost"}, []net.IP{net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	dialCert, err := ca.IssueDialCertificate("validator-1")
	require.NoError(t, err)

	rootPool := x509.NewCertPool()
	rootCert, err := x509.ParseCertificate(ca.GetRootCACert())
	require.NoError(t, err)
	rootPool.AddCert(rootCert)

	serverCreds := credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{*serverCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    rootPool,
	})
	dialCreds := credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{*dialCert},
		RootCAs:      rootPool,
		ServerName:   "localhost",
	})

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{}, 1)
	var received []byte
	server := NewServerTLS(func(ctx context.Context, from string, payload []byte) error {
		received = append([]byte(nil), payload...)
		done <- struct{}{}
		return nil
	}, serverCreds)
	go server.Serve(lis)
	defer server.Stop()

	transport := NewTransportTLS([]string{lis.Addr().String()}, dialCreds)
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, transport.Send(ctx, lis.Addr().String(), []byte("secure-vote")))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler was never invoked")
	}
	assert.Equal(t, "secure-vote", string(received))
}
