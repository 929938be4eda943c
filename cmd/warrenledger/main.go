package main

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/warrenledger/pkg/config"
	"github.com/cuemby/warrenledger/pkg/consensus"
	cstore "github.com/cuemby/warrenledger/pkg/consensus/store"
	"github.com/cuemby/warrenledger/pkg/driver"
	"github.com/cuemby/warrenledger/pkg/health"
	"github.com/cuemby/warrenledger/pkg/ledger/iface"
	"github.com/cuemby/warrenledger/pkg/ledger/types"
	"github.com/cuemby/warrenledger/pkg/log"
	"github.com/cuemby/warrenledger/pkg/metrics"
	"github.com/cuemby/warrenledger/pkg/node"
	"github.com/cuemby/warrenledger/pkg/pool"
	"github.com/cuemby/warrenledger/pkg/rpc"
	"github.com/cuemby/warrenledger/pkg/scheduler"
	"github.com/cuemby/warrenledger/pkg/security"
	"github.com/cuemby/warrenledger/pkg/statestore"
	"github.com/cuemby/warrenledger/pkg/storage"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/credentials"
	nethttp "net/http"
)

// Version information (set via ldflags during build)
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "warrenledger",
	Short:   "Warren Ledger - a permissioned ledger node",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("warrenledger version %s (%s)\n", Version, Commit))

	rootCmd.PersistentFlags().String("data-dir", "./data", "directory for chain data and keys")
	rootCmd.PersistentFlags().String("listen-addr", "", "override the configured RPC listen address")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "config.yaml", "path to the node's YAML config file")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(genKeyCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

// loadConfig reads --config and overlays the --data-dir/--listen-addr
// persistent flags when the caller set them explicitly.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir, _ = cmd.Flags().GetString("data-dir")
	}
	if listenAddr, _ := cmd.Flags().GetString("listen-addr"); listenAddr != "" {
		cfg.ListenAddress = listenAddr
	}
	return cfg, nil
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ledger node until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		tlsEnabled, _ := cmd.Flags().GetBool("tls")
		return runNode(cfg, tlsEnabled)
	},
}

func init() {
	runCmd.Flags().Bool("tls", false, "require mutual TLS between validators, authenticated by a self-signed chain CA")
}

func runNode(cfg config.Config, tlsEnabled bool) error {
	logger := log.WithComponent("cmd")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("run: creating data dir: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("run: opening storage: %w", err)
	}
	defer store.Close()
	metrics.UpdateComponent("storage", true, "")

	if err := node.VerifyChainID(store, cfg.ChainID); err != nil {
		return fmt.Errorf("run: %w", err)
	}

	validators, err := cfg.ValidatorSet()
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	selfAddr, err := cfg.SelfValidatorAddress()
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	state := statestore.New()
	txPool := pool.New(pool.Config{
		MaxSize:          cfg.PoolMaxSize,
		AddressRecoverer: node.RecoverAddress,
		NonceSource:      node.NonceSourceFor(state),
	})
	sched := scheduler.New(cfg.ExecutorWorkers)

	consensusStore, err := cstore.New(cfg.DataDir + "/consensus.db")
	if err != nil {
		return fmt.Errorf("run: opening consensus store: %w", err)
	}
	defer consensusStore.Close()

	machine := consensus.NewMachine(selfAddr, validators, cfg.ConsensusTimeouts())

	var broadcast iface.Broadcast
	var creds credentials.TransportCredentials
	if tlsEnabled {
		broadcast, creds, err = wireTLSTransport(store, cfg)
		if err != nil {
			return fmt.Errorf("run: wiring TLS transport: %w", err)
		}
	} else {
		broadcast = rpc.NewTransport(cfg.PeerAddresses())
	}

	d := driver.New(machine, txPool, sched, state, store, broadcast, node.TransferExecutor{}, driver.Config{
		ProposeBatchSize: cfg.ProposeBatchSize,
		VoteStore:        consensusStore,
	})

	var server *rpc.Server
	if tlsEnabled {
		server = rpc.NewServerTLS(d.OnNetworkMessage, creds)
	} else {
		server = rpc.NewServer(d.OnNetworkMessage)
	}
	metrics.UpdateComponent("rpc", true, "")

	lis, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("run: listening on %s: %w", cfg.ListenAddress, err)
	}
	go func() {
		if err := server.Serve(lis); err != nil {
			logger.Error().Err(err).Msg("rpc server stopped")
		}
	}()
	defer server.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("run: starting consensus driver: %w", err)
	}
	metrics.UpdateComponent("consensus", true, "")

	go serveMetrics(cfg, lis.Addr().String())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info().Msg("shutting down")
	return nil
}

// wireTLSTransport issues this node's server and dial certificates from a
// self-signed chain CA (persisted in store) and returns a peer transport
// authenticated with them, plus the credentials the RPC server side needs
// to require and verify client certificates in turn.
func wireTLSTransport(store iface.StorageBackend, cfg config.Config) (*rpc.Transport, credentials.TransportCredentials, error) {
	if err := security.SetChainEncryptionKey(security.DeriveKeyFromChainID(cfg.ChainID)); err != nil {
		return nil, nil, err
	}
	ca := security.NewCertAuthority(store)
	loaded, err := ca.LoadFromStore()
	if err != nil {
		return nil, nil, err
	}
	if !loaded {
		if err := ca.Initialize(); err != nil {
			return nil, nil, err
		}
	}

	host, _, err := net.SplitHostPort(cfg.ListenAddress)
	if err != nil {
		host = cfg.ListenAddress
	}
	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = append(ips, ip)
	}
	serverCert, err := ca.IssueNodeCertificate(cfg.SelfAddress, "validator", []string{host}, ips)
	if err != nil {
		return nil, nil, err
	}
	dialCert, err := ca.IssueDialCertificate(cfg.SelfAddress)
	if err != nil {
		return nil, nil, err
	}

	rootPool := x509.NewCertPool()
	rootCert, err := x509.ParseCertificate(ca.GetRootCACert())
	if err != nil {
		return nil, nil, err
	}
	rootPool.AddCert(rootCert)

	serverCreds := credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{*serverCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    rootPool,
	})
	dialCreds := credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{*dialCert},
		RootCAs:      rootPool,
		ServerName:   host,
	})

	transport := rpc.NewTransportTLS(cfg.PeerAddresses(), dialCreds)
	return transport, serverCreds, nil
}

func serveMetrics(cfg config.Config, rpcAddr string) {
	mux := nethttp.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())

	addr := metricsAddress(cfg)
	logger := log.WithComponent("cmd")
	logger.Info().Str("addr", addr).Msg("metrics server listening")

	checker := health.NewTCPChecker(rpcAddr)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			result := checker.Check(context.Background())
			metrics.UpdateComponent("rpc", result.Healthy, result.Message)
		}
	}()

	if err := nethttp.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("metrics server stopped")
	}
}

// metricsAddress derives a metrics/health HTTP port one above the RPC
// listen port, on the same host.
func metricsAddress(cfg config.Config) string {
	host, port, err := net.SplitHostPort(cfg.ListenAddress)
	if err != nil {
		return ":9090"
	}
	p := 9090
	fmt.Sscanf(port, "%d", &p)
	return fmt.Sprintf("%s:%d", host, p+1)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize genesis state (height-0 block and chain id) with no account allocations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("init: creating data dir: %w", err)
		}

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("init: opening storage: %w", err)
		}
		defer store.Close()

		validators, err := cfg.ValidatorSet()
		if err != nil {
			return err
		}
		state := statestore.New()
		block, err := node.InitGenesis(store, state, node.GenesisConfig{
			ChainID:    cfg.ChainID,
			Validators: validators.Validators(),
			Alloc:      map[types.Address]node.Account{},
			Timestamp:  time.Now(),
		})
		if err != nil {
			return fmt.Errorf("init: %w", err)
		}
		fmt.Printf("genesis initialized: chain_id=%s height=%d hash=%s\n", cfg.ChainID, block.Height, block.Hash())
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print the node's chain id, data directory, and latest persisted height",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("info: opening storage: %w", err)
		}
		defer store.Close()

		chainID, ok, err := store.Get(iface.ColumnMeta, []byte(iface.MetaChainID))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("genesis not yet initialized")
			return nil
		}
		latest, _, err := store.Get(iface.ColumnMeta, []byte(iface.MetaLatestBlock))
		if err != nil {
			return err
		}
		fmt.Printf("chain_id: %s\n", chainID)
		fmt.Printf("data_dir: %s\n", cfg.DataDir)
		fmt.Printf("listen_address: %s\n", cfg.ListenAddress)
		fmt.Printf("latest_block_key: %x\n", latest)
		return nil
	},
}

var genKeyCmd = &cobra.Command{
	Use:   "gen-key",
	Short: "Generate a new validator identity (stand-in for a real keypair; see pkg/node's RecoverAddress doc)",
	RunE: func(cmd *cobra.Command, args []string) error {
		var addr types.Address
		if _, err := rand.Read(addr[:]); err != nil {
			return fmt.Errorf("gen-key: %w", err)
		}
		fmt.Printf("0x%s\n", addr.String())
		return nil
	},
}
