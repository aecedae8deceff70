package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog"
	bolt "github.com/coreos/bbolt"
	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/lightninglabs/teleport/build"
	"github.com/lightninglabs/teleport/chainrpc"
	"github.com/lightninglabs/teleport/config"
	"github.com/lightninglabs/teleport/directory"
	"github.com/lightninglabs/teleport/maker"
	"github.com/lightninglabs/teleport/recovery"
	"github.com/lightninglabs/teleport/signal"
	"github.com/lightninglabs/teleport/swapcoin"
	"github.com/lightninglabs/teleport/tprpc"
	"github.com/lightninglabs/teleport/walletrpc"
	"github.com/lightninglabs/teleport/watchtower"
)

var log btclog.Logger = build.NewSubLogger("MKRD", nil)

func main() {
	if err := run(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadMaker(os.Args[1:])
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.LogDir, 0700); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	logWriter := &build.LogWriter{}
	if err := logWriter.InitLogRotator(config.LogFilePath(cfg.LogDir)); err != nil {
		return fmt.Errorf("init log rotator: %w", err)
	}
	defer logWriter.Close()
	backend := build.NewBackend(logWriter)
	maker.UseLogger(build.NewSubLogger("MKR", backend.Logger))
	directory.UseLogger(build.NewSubLogger("DIR", backend.Logger))
	swapcoin.UseLogger(build.NewSubLogger("SWPC", backend.Logger))
	watchtower.UseLogger(build.NewSubLogger("WTWR", backend.Logger))
	recovery.UseLogger(build.NewSubLogger("RCVR", backend.Logger))
	log = build.NewSubLogger("MKRD", backend.Logger)

	interceptor := signal.Intercept()

	tweakPrivkey, err := loadOrCreateTweakKey(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("load tweak key: %w", err)
	}

	fidelityProof, err := loadFidelityProof(cfg.FidelityBondFile)
	if err != nil {
		return fmt.Errorf("load fidelity bond: %w", err)
	}

	mcfg := maker.Config{
		MinSize:       cfg.MinSize,
		MaxSize:       cfg.MaxSize,
		BaseFee:       cfg.BaseFee,
		AmountFeePPB:  cfg.AmountFeePPB,
		TimeFeePPB:    cfg.TimeFeePPB,
		MinLocktime:   cfg.MinLocktime,
		RequiredConfs: cfg.RequiredConfs,
		MinVersion:    cfg.MinVersion,
		MaxVersion:    cfg.MaxVersion,
		StepDeadline:  cfg.StepDeadline,
		FidelityProof: fidelityProof,
	}

	// No production walletrpc.Wallet/chainrpc.Notifier backend is wired
	// into this module (spec §1, out of scope): operate against the
	// in-memory test doubles until a real full-node backend is plugged
	// in here.
	wallet := walletrpc.NewMemWallet()
	chain := chainrpc.NewMemChain(0)

	swapcoinDB, err := bolt.Open(filepath.Join(cfg.DataDir, "swapcoin.db"), 0600, nil)
	if err != nil {
		return fmt.Errorf("open swapcoin db: %w", err)
	}
	defer swapcoinDB.Close()

	ledger, err := swapcoin.OpenLedger(swapcoinDB)
	if err != nil {
		return fmt.Errorf("open swapcoin ledger: %w", err)
	}

	m := maker.New(mcfg, ledger, wallet, chain, tweakPrivkey, cfg.MaxWorkers)

	listenAddr, err := config.ResolveListener(cfg.ListenAddress, "9735")
	if err != nil {
		return fmt.Errorf("resolve listen address: %w", err)
	}

	lis, err := net.Listen(listenAddr.Network(), listenAddr.String())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", listenAddr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dirClient := directory.NewClient(cfg.DirectoryAddress)
	go dirClient.RunPeriodicPush(ctx, listenAddr.String(), func() []byte {
		return fidelityProof
	}, 0)

	recov := recovery.New(ledger, chain, func(sc *swapcoin.Swapcoin) ([]byte, error) {
		return wallet.NewChangeScript(ctx)
	})
	watcher := watchtower.New(ledger, chain, watchtowerResponder{recov}, ticker.New(30*time.Second))
	go watcher.Run(ctx)
	defer watcher.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- m.Serve(ctx, lis) }()

	select {
	case err := <-errCh:
		return err
	case <-interceptor.ShutdownChannel:
		cancel()
		m.Wait()
		return nil
	}
}

func loadOrCreateTweakKey(dataDir string) (*btcec.PrivateKey, error) {
	path := filepath.Join(dataDir, "tweak.key")

	raw, err := os.ReadFile(path)
	if err == nil {
		priv, _ := btcec.PrivKeyFromBytes(raw)
		return priv, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, priv.Serialize(), 0600); err != nil {
		return nil, err
	}
	return priv, nil
}

func loadFidelityProof(path string) (tprpc.FidelityProof, error) {
	if path == "" {
		return nil, nil
	}
	return os.ReadFile(path)
}

// watchtowerResponder bridges a watchtower sighting of a counterparty's
// contract transaction to a recovery pass over every pending swapcoin, per
// spec §4.7's "prematurely broadcast contract" scenario (S5).
type watchtowerResponder struct {
	recov *recovery.Coordinator
}

func (r watchtowerResponder) OnContractObserved(ctx context.Context, sc *swapcoin.Swapcoin, observedTx *wire.MsgTx) {
	if err := r.recov.RecoverAll(ctx); err != nil {
		log.Warnf("recovery after contract sighting for %x: %v", sc.MultisigScript, err)
	}
}
