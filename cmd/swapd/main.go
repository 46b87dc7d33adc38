// Package main provides swapd, the BTC/ETH atomic swap daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"

	"github.com/klingon-exchange/swapd/internal/backend"
	"github.com/klingon-exchange/swapd/internal/chain"
	"github.com/klingon-exchange/swapd/internal/config"
	"github.com/klingon-exchange/swapd/internal/evm"
	"github.com/klingon-exchange/swapd/internal/flow"
	"github.com/klingon-exchange/swapd/internal/node"
	"github.com/klingon-exchange/swapd/internal/registry"
	"github.com/klingon-exchange/swapd/internal/room"
	"github.com/klingon-exchange/swapd/internal/rpc"
	"github.com/klingon-exchange/swapd/internal/storage"
	"github.com/klingon-exchange/swapd/internal/swap"
	"github.com/klingon-exchange/swapd/internal/wallet"
	"github.com/klingon-exchange/swapd/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

const statusInterval = 60 * time.Second

func getApp() *cli.App {
	app := cli.NewApp()
	app.Name = "swapd"
	app.Usage = "BTC/ETH atomic swap daemon"
	app.Version = fmt.Sprintf("%s (commit: %s)", version, commit)

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "datadir",
			Value: config.DefaultDataDir,
			Usage: "data directory holding config, database, node key and seed",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "log level (debug, info, warn, error), overrides config",
		},
		cli.StringFlag{
			Name:  "network",
			Usage: "mainnet, testnet or regtest, overrides config",
		},
		cli.StringFlag{
			Name:   "password",
			Usage:  "password of the encrypted seed",
			EnvVar: "SWAPD_PASSWORD",
		},
	}

	app.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "start the daemon",
			Action: runDaemon,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "rpc",
					Usage: "JSON-RPC listen address, overrides config",
				},
				cli.StringFlag{
					Name:  "mnemonic-file",
					Usage: "read the wallet mnemonic from a file instead of the encrypted seed",
				},
			},
		},
		{
			Name:   "init",
			Usage:  "write a default config and create an encrypted wallet seed",
			Action: initWallet,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "mnemonic-file",
					Usage: "import this mnemonic instead of generating one",
				},
			},
		},
	}
	app.Action = runDaemon

	return app
}

func main() {
	if err := getApp().Run(os.Args); err != nil {
		logging.Fatal("swapd failed", "error", err)
	}
}

// loadConfig reads the config for the data dir and applies global flags.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(c.GlobalString("datadir"))
	if err != nil {
		return nil, err
	}
	if lvl := c.GlobalString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if network := c.GlobalString("network"); network != "" {
		cfg.Network = chain.Network(network)
	}
	if addr := c.String("rpc"); addr != "" {
		cfg.RPC.Listen = addr
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) (*logging.Logger, func(), error) {
	logCfg := &logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	}
	closeFn := func() {}
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logCfg.Output = f
		closeFn = func() { f.Close() }
	}
	log := logging.New(logCfg)
	logging.SetDefault(log)
	return log, closeFn, nil
}

func initWallet(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log, closeLog, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	seedPath := cfg.SeedPath()
	if _, err := os.Stat(seedPath); err == nil {
		return fmt.Errorf("seed already exists at %s", seedPath)
	}

	password := c.GlobalString("password")
	if len(password) < wallet.MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters (set --password or SWAPD_PASSWORD)", wallet.MinPasswordLength)
	}

	var mnemonic string
	if path := c.String("mnemonic-file"); path != "" {
		if mnemonic, err = readMnemonic(path); err != nil {
			return err
		}
	} else {
		if mnemonic, err = wallet.GenerateMnemonic(); err != nil {
			return err
		}
		fmt.Println("Write down this mnemonic. It is the only backup of your funds:")
		fmt.Println()
		fmt.Println("  " + mnemonic)
		fmt.Println()
	}

	seed, err := wallet.EncryptMnemonic(mnemonic, password)
	if err != nil {
		return err
	}
	if err := wallet.SaveEncryptedSeed(seed, seedPath); err != nil {
		return err
	}

	log.Info("Wallet initialized", "seed", seedPath, "config", config.ConfigPath(cfg.DataDir))
	return nil
}

func readMnemonic(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read mnemonic file: %w", err)
	}
	mnemonic := strings.Join(strings.Fields(string(data)), " ")
	if !wallet.ValidateMnemonic(mnemonic) {
		return "", errors.New("invalid mnemonic")
	}
	return mnemonic, nil
}

// openWallet returns the mnemonic from --mnemonic-file or the encrypted seed.
func openWallet(c *cli.Context, cfg *config.Config, params *chain.Params) (*wallet.Wallet, error) {
	var mnemonic string
	var err error
	if path := c.String("mnemonic-file"); path != "" {
		mnemonic, err = readMnemonic(path)
	} else {
		var seed *wallet.EncryptedSeed
		seed, err = wallet.LoadEncryptedSeed(cfg.SeedPath())
		if err != nil {
			return nil, fmt.Errorf("%w (run 'swapd init' first)", err)
		}
		mnemonic, err = wallet.DecryptMnemonic(seed, c.GlobalString("password"))
	}
	if err != nil {
		return nil, err
	}
	return wallet.NewFromMnemonic(mnemonic, "", params)
}

func runDaemon(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log, closeLog, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	log.Info("Config loaded", "path", config.ConfigPath(cfg.DataDir), "network", cfg.Network)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	params, err := cfg.ChainParams()
	if err != nil {
		return err
	}

	// Keys
	w, err := openWallet(c, cfg, params)
	if err != nil {
		return err
	}
	btcKey, err := w.BTCKey(cfg.Bitcoin.Account, cfg.Bitcoin.Index)
	if err != nil {
		return err
	}
	ethKey, ethAddr, err := w.ETHKey(cfg.Ethereum.Account, cfg.Ethereum.Index)
	if err != nil {
		return err
	}
	log.Info("Wallet loaded", "btc", btcKey.Address(), "eth", ethAddr.Hex())

	// Storage
	store, err := storage.New(cfg.StorageConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", store.Path())

	// Bitcoin leg
	adapter, err := backend.New(cfg.Bitcoin.Backend, cfg.Network)
	if err != nil {
		return err
	}
	builder := swap.NewTransactionBuilder(swap.BuilderConfig{
		Adapter:  adapter,
		Signer:   btcKey,
		Net:      params.BTC,
		FixedFee: cfg.Bitcoin.FixedFee,
	})
	verifier := swap.NewVerifier(adapter, params.BTC)

	// Ethereum leg
	eth, err := evm.Dial(ctx, cfg.Ethereum.Config, ethKey, params.ETHChainID)
	if err != nil {
		return err
	}
	defer eth.Close()

	// Counterparty channel
	n, err := node.New(ctx, cfg.NodeConfig())
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	rm := room.New(n)
	untrack := registry.TrackPresence(rm, store)
	defer untrack()

	if err := n.Start(); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	// Flows
	reg := registry.New(ctx, registry.Config{
		Store: store,
		Deps: flow.Deps{
			Channel:  rm,
			BTC:      builder,
			Verifier: verifier,
			ETH:      eth,
			Identity: btcKey,
			Settings: cfg.Swap,
		},
	})
	restored, err := reg.Restore()
	if err != nil {
		log.Warn("Failed to restore flows", "error", err)
	} else {
		log.Info("Flows restored", "count", restored)
	}

	var rpcServer *rpc.Server
	if cfg.RPC.Enabled {
		rpcServer = rpc.NewServer(rpc.Config{
			Swaps:   reg,
			Room:    rm,
			Known:   store,
			Network: n,
			Wallet: rpc.Wallet{
				Identity: btcKey,
				BTC:      builder,
				ETH:      eth,
			},
		})
		if err := rpcServer.Start(cfg.RPC.Listen); err != nil {
			return err
		}
	}

	printBanner(log, n, cfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				log.Info("Status", "peers", len(rm.Peers()), "swaps", len(reg.List()), "uptime", n.Uptime().Round(time.Second))
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down...")

		if rpcServer != nil {
			if err := rpcServer.Stop(); err != nil {
				log.Error("Error stopping RPC server", "error", err)
			}
		}
		reg.Close()
		if err := n.Stop(); err != nil {
			log.Error("Error stopping node", "error", err)
		}
		return nil
	})

	err = g.Wait()
	log.Info("Goodbye!")
	return err
}

func printBanner(log *logging.Logger, n *node.Node, cfg *config.Config) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  swapd (%s)", cfg.Network)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Peer ID: %s", n.PeerID())
	log.Info("")
	log.Info("  Listening on:")
	for _, addr := range n.Addrs() {
		log.Infof("    %s/p2p/%s", addr.String(), n.ID().String())
	}
	log.Info("")
	if cfg.RPC.Enabled {
		log.Infof("  API: http://%s", cfg.RPC.Listen)
		log.Infof("  WS:  ws://%s/ws", cfg.RPC.Listen)
		log.Info("")
	}
	log.Infof("  Data dir: %s", filepath.Clean(cfg.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
