package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	btcwire "github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog"
	bolt "github.com/coreos/bbolt"
	flags "github.com/jessevdk/go-flags"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/lightninglabs/teleport/build"
	"github.com/lightninglabs/teleport/chainrpc"
	"github.com/lightninglabs/teleport/config"
	"github.com/lightninglabs/teleport/directory"
	"github.com/lightninglabs/teleport/offerbook"
	"github.com/lightninglabs/teleport/recovery"
	"github.com/lightninglabs/teleport/signal"
	"github.com/lightninglabs/teleport/swapcoin"
	"github.com/lightninglabs/teleport/taker"
	"github.com/lightninglabs/teleport/tprpc"
	"github.com/lightninglabs/teleport/walletrpc"
	"github.com/lightninglabs/teleport/watchtower"
	"github.com/lightninglabs/teleport/wire"
)

var log btclog.Logger = build.NewSubLogger("TKRD", nil)

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
	cfg, err := config.LoadTaker(os.Args[1:])
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
	taker.UseLogger(build.NewSubLogger("TKR", backend.Logger))
	swapcoin.UseLogger(build.NewSubLogger("SWPC", backend.Logger))
	watchtower.UseLogger(build.NewSubLogger("WTWR", backend.Logger))
	recovery.UseLogger(build.NewSubLogger("RCVR", backend.Logger))
	log = build.NewSubLogger("TKRD", backend.Logger)

	interceptor := signal.Intercept()

	tcfg := taker.Config{
		BaseLocktime:         cfg.BaseLocktime,
		MinContractReactTime: cfg.MinContractReactTime,
		RequiredConfs:        cfg.RequiredConfs,
		StepDeadline:         cfg.StepDeadline,
	}

	// As in makerd: no production wallet/chain backend is wired in here
	// (spec §1, out of scope). Swapping this for a real backend is the
	// only change needed to run against mainnet.
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

	book := offerbook.New(tprpc.NullVerifier{})

	tk := taker.New(tcfg, wallet, chain, ledger, book)

	dirClient := directory.NewClient(cfg.DirectoryAddress)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-interceptor.ShutdownChannel:
			cancel()
		case <-ctx.Done():
		}
	}()

	recov := recovery.New(ledger, chain, func(sc *swapcoin.Swapcoin) ([]byte, error) {
		return wallet.NewChangeScript(ctx)
	})
	watcher := watchtower.New(ledger, chain, watchtowerResponder{recov}, ticker.New(30*time.Second))
	go watcher.Run(ctx)
	defer watcher.Stop()

	n, err := book.SyncOfferbook(ctx, dirClient, tcpFetcher{})
	if err != nil {
		return fmt.Errorf("sync offerbook: %w", err)
	}
	fmt.Printf("synced %d offers from directory\n", n)

	candidates := book.GetAllUntried()
	route := make([]offerbook.OfferAndAddress, 0, cfg.Hops)
	remaining := cfg.SendAmount
	for len(route) < cfg.Hops {
		chosen, rest, ok := offerbook.ChooseNextMaker(candidates, int64(remaining))
		if !ok {
			return fmt.Errorf("no Maker in the offerbook can serve a swap of %d sats", remaining)
		}
		route = append(route, chosen)
		candidates = rest
	}

	preimage, err := taker.NewPreimage()
	if err != nil {
		return fmt.Errorf("generate preimage: %w", err)
	}

	swapCtx, swapCancel := context.WithTimeout(ctx, 10*time.Minute)
	defer swapCancel()

	if err := tk.RunSwap(swapCtx, tcpDialer{}, route, cfg.SendAmount, preimage); err != nil {
		for _, oa := range route {
			book.MarkBad(oa.Address)
		}
		return fmt.Errorf("run swap: %w", err)
	}
	for _, oa := range route {
		book.MarkGood(oa.Address)
	}

	return nil
}

// tcpDialer satisfies taker.Dialer over a real network connection.
type tcpDialer struct{}

func (tcpDialer) Dial(ctx context.Context, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", address)
}

// tcpFetcher satisfies offerbook.Fetcher by performing the
// TakerHello/GiveOffer handshake over a real network connection.
type tcpFetcher struct{}

func (tcpFetcher) FetchOffer(ctx context.Context, address string) (wire.Offer, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return wire.Offer{}, err
	}
	defer conn.Close()

	if err := wire.WriteMessage(conn, &wire.TakerHello{MinVersion: 1, MaxVersion: 1}); err != nil {
		return wire.Offer{}, err
	}
	if _, err := wire.ReadMessage(conn); err != nil {
		return wire.Offer{}, err
	}

	if err := wire.WriteMessage(conn, &wire.GiveOffer{}); err != nil {
		return wire.Offer{}, err
	}
	msg, err := wire.ReadMessage(conn)
	if err != nil {
		return wire.Offer{}, err
	}
	offer, ok := msg.(*wire.Offer)
	if !ok {
		return wire.Offer{}, fmt.Errorf("expected offer, got %T", msg)
	}
	return *offer, nil
}

// watchtowerResponder bridges a watchtower sighting of a counterparty's
// contract transaction to a recovery pass over every pending swapcoin, per
// spec §4.7's "prematurely broadcast contract" scenario (S5).
type watchtowerResponder struct {
	recov *recovery.Coordinator
}

func (r watchtowerResponder) OnContractObserved(ctx context.Context, sc *swapcoin.Swapcoin, observedTx *btcwire.MsgTx) {
	if err := r.recov.RecoverAll(ctx); err != nil {
		log.Warnf("recovery after contract sighting for %x: %v", sc.MultisigScript, err)
	}
}
