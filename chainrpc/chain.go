// Package chainrpc defines the chain-observation surface the coinswap core
// consumes (spec §6.4): confirmation/spend notifications and broadcast. It
// is re-specified here for the coinswap domain directly from
// breez-lightninglib's chainntnfs.ChainNotifier, narrowed to the calls the
// Maker's confirmation wait, the watchtower, and the recovery coordinator
// actually need.
package chainrpc

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/wire"
)

// ConfirmationEvent is delivered once a registered outpoint's funding
// transaction reaches the requested number of confirmations.
type ConfirmationEvent struct {
	Tx          *wire.MsgTx
	BlockHeight int32
}

// Notifier is the interface a Maker or Taker uses to learn when a funding
// transaction has confirmed, when a contract output has been spent, and
// what the current chain tip is. Production implementations wrap a real
// full node or Electrum-style backend (outside this module's scope, per
// spec §1); MemChain below is the in-memory test double used throughout
// this module's tests.
type Notifier interface {
	// BestHeight returns the current chain tip height.
	BestHeight(ctx context.Context) (int32, error)

	// Broadcast publishes tx to the network.
	Broadcast(ctx context.Context, tx *wire.MsgTx) error

	// RegisterConfirmationsNtfn returns a channel that receives one
	// ConfirmationEvent once the transaction paying to pkScript at
	// outpoint reaches numConfs confirmations.
	RegisterConfirmationsNtfn(ctx context.Context, outpoint wire.OutPoint,
		pkScript []byte, numConfs uint32) (<-chan *ConfirmationEvent, error)

	// SpendingTx reports whether outpoint has been spent yet and, if so,
	// the transaction that spent it. Used by the recovery coordinator to
	// detect a counterparty's hashlock claim (spec §4.8).
	SpendingTx(ctx context.Context, outpoint wire.OutPoint) (*wire.MsgTx, bool, error)

	// NextTx blocks until a new transaction (mempool or newly confirmed)
	// is observed, or ctx is done. Used by the watchtower's scan loop
	// (spec §4.7).
	NextTx(ctx context.Context) (*wire.MsgTx, error)
}

// MemChain is an in-memory Notifier test double, grounded on
// chainntnfs/interface_test.go's notifier mock harness: transactions are
// injected directly via AddTx/Confirm rather than observed from a real
// node.
type MemChain struct {
	mu sync.Mutex

	height int32

	spendingTxs map[wire.OutPoint]*wire.MsgTx
	confSubs    map[wire.OutPoint][]confSub
	txFeed      chan *wire.MsgTx

	Broadcasts []*wire.MsgTx
}

type confSub struct {
	pkScript []byte
	numConfs uint32
	ch       chan *ConfirmationEvent
}

// NewMemChain returns a MemChain starting at the given height.
func NewMemChain(height int32) *MemChain {
	return &MemChain{
		height:      height,
		spendingTxs: make(map[wire.OutPoint]*wire.MsgTx),
		confSubs:    make(map[wire.OutPoint][]confSub),
		txFeed:      make(chan *wire.MsgTx, 16),
	}
}

func (c *MemChain) BestHeight(context.Context) (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height, nil
}

func (c *MemChain) Broadcast(_ context.Context, tx *wire.MsgTx) error {
	c.mu.Lock()
	c.Broadcasts = append(c.Broadcasts, tx)
	c.mu.Unlock()

	select {
	case c.txFeed <- tx:
	default:
	}
	return nil
}

func (c *MemChain) RegisterConfirmationsNtfn(_ context.Context, outpoint wire.OutPoint,
	pkScript []byte, numConfs uint32) (<-chan *ConfirmationEvent, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan *ConfirmationEvent, 1)
	c.confSubs[outpoint] = append(c.confSubs[outpoint], confSub{
		pkScript: pkScript, numConfs: numConfs, ch: ch,
	})
	return ch, nil
}

// ConfirmTx advances the chain tip by one block and fires every
// confirmation subscription currently registered on outpoint, whatever its
// numConfs, using tx as the confirmed transaction. A subscription
// registered on outpoint after this call receives no event.
func (c *MemChain) ConfirmTx(outpoint wire.OutPoint, tx *wire.MsgTx) {
	c.mu.Lock()
	c.height++
	height := c.height
	subs := c.confSubs[outpoint]
	delete(c.confSubs, outpoint)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.ch <- &ConfirmationEvent{Tx: tx, BlockHeight: height}
	}
}

// AdvanceHeight moves the chain tip forward by n blocks without
// confirming any particular outpoint; used to simulate locktime maturity.
func (c *MemChain) AdvanceHeight(n int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.height += n
}

// MarkSpent records that outpoint has been spent by spendTx, so that
// SpendingTx and a future watchtower scan will observe it.
func (c *MemChain) MarkSpent(outpoint wire.OutPoint, spendTx *wire.MsgTx) {
	c.mu.Lock()
	c.spendingTxs[outpoint] = spendTx
	c.mu.Unlock()

	select {
	case c.txFeed <- spendTx:
	default:
	}
}

func (c *MemChain) SpendingTx(_ context.Context, outpoint wire.OutPoint) (*wire.MsgTx, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.spendingTxs[outpoint]
	return tx, ok, nil
}

func (c *MemChain) NextTx(ctx context.Context) (*wire.MsgTx, error) {
	select {
	case tx := <-c.txFeed:
		return tx, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
