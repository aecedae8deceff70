// Package walletrpc defines the wallet surface the coinswap core consumes
// (spec §6.4): listing spendable UTXOs, deriving fresh keys, signing
// inputs, and broadcasting. It is re-specified here for the coinswap
// domain directly from breez-lightninglib's lnwallet.WalletController,
// trimmed to the handful of calls a Maker or Taker actually needs.
package walletrpc

import (
	"context"
	"errors"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcd/btcutil"
)

// ErrInsufficientFunds is returned by SelectUTXOs when the wallet's
// unspent outputs can't cover the requested amount plus fee.
var ErrInsufficientFunds = errors.New("walletrpc: insufficient funds")

// UTXO describes one spendable output the wallet controls, including the
// private key needed to sign for it. A production backend resolves Privkey
// from its own keychain internally; it is carried here so SignInput's
// caller never needs a separate keychain lookup.
type UTXO struct {
	OutPoint wire.OutPoint
	Value    btcutil.Amount
	PkScript []byte
	Privkey  *btcec.PrivateKey
}

// Wallet is the interface a Maker or Taker uses to source funding inputs,
// derive per-hop keys, sign, and broadcast. Production implementations
// wrap a real keychain/UTXO backend (outside this module's scope, per
// spec §1); MemWallet below is the in-memory test double used throughout
// this module's tests.
type Wallet interface {
	// ListUnspent returns every UTXO currently controlled by the wallet.
	ListUnspent(ctx context.Context) ([]UTXO, error)

	// SelectUTXOs greedily selects UTXOs summing to at least amount,
	// returning the selection and the total value selected.
	SelectUTXOs(ctx context.Context, amount btcutil.Amount) ([]UTXO, btcutil.Amount, error)

	// DeriveKey returns a fresh keypair for use as one half of a
	// per-hop multisig, or as a contract script's hashlock/timelock
	// key.
	DeriveKey(ctx context.Context) (*btcec.PrivateKey, error)

	// NewChangeScript returns a fresh scriptPubKey change/sweep output
	// should pay to.
	NewChangeScript(ctx context.Context) ([]byte, error)

	// SignInput produces a signature for the given input of tx, spending
	// a UTXO this wallet controls.
	SignInput(ctx context.Context, tx *wire.MsgTx, idx int,
		prevScript []byte, amt btcutil.Amount, privkey *btcec.PrivateKey) ([]byte, error)

	// Broadcast publishes tx to the network.
	Broadcast(ctx context.Context, tx *wire.MsgTx) error

	// ImportWatchOnlyScript adds script to the wallet's watch set, so
	// rescans and balance queries notice funds sent to it without this
	// wallet holding the corresponding private key.
	ImportWatchOnlyScript(ctx context.Context, script []byte) error
}

// MemWallet is an in-memory Wallet test double, grounded on
// lnwallet/test_utils.go's createTestWallet helper: a fixed keyring plus a
// mutable UTXO set, with no real chain connectivity.
type MemWallet struct {
	mu      sync.Mutex
	utxos   map[wire.OutPoint]UTXO
	spent   map[wire.OutPoint]bool
	nextKey func() (*btcec.PrivateKey, error)

	Broadcasts []*wire.MsgTx
	WatchOnly  [][]byte
}

// NewMemWallet returns a MemWallet seeded with the given UTXOs.
func NewMemWallet(utxos ...UTXO) *MemWallet {
	m := &MemWallet{
		utxos: make(map[wire.OutPoint]UTXO),
		spent: make(map[wire.OutPoint]bool),
	}
	for _, u := range utxos {
		m.utxos[u.OutPoint] = u
	}
	m.nextKey = func() (*btcec.PrivateKey, error) {
		return btcec.NewPrivateKey()
	}
	return m
}

func (m *MemWallet) ListUnspent(context.Context) ([]UTXO, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]UTXO, 0, len(m.utxos))
	for op, u := range m.utxos {
		if !m.spent[op] {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *MemWallet) SelectUTXOs(ctx context.Context, amount btcutil.Amount) ([]UTXO, btcutil.Amount, error) {
	unspent, err := m.ListUnspent(ctx)
	if err != nil {
		return nil, 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var selected []UTXO
	var total btcutil.Amount
	for _, u := range unspent {
		if total >= amount {
			break
		}
		selected = append(selected, u)
		total += u.Value
		m.spent[u.OutPoint] = true
	}
	if total < amount {
		return nil, 0, ErrInsufficientFunds
	}
	return selected, total, nil
}

func (m *MemWallet) DeriveKey(context.Context) (*btcec.PrivateKey, error) {
	return m.nextKey()
}

func (m *MemWallet) NewChangeScript(context.Context) ([]byte, error) {
	priv, err := m.nextKey()
	if err != nil {
		return nil, err
	}
	pkHash := btcutil.Hash160(priv.PubKey().SerializeCompressed())
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(pkHash).
		Script()
}

func (m *MemWallet) SignInput(_ context.Context, tx *wire.MsgTx, idx int,
	prevScript []byte, amt btcutil.Amount, privkey *btcec.PrivateKey) ([]byte, error) {

	sigHashes := txscript.NewTxSigHashes(tx, txscript.NewCannedPrevOutputFetcher(
		prevScript, int64(amt),
	))
	return txscript.RawTxInWitnessSignature(
		tx, sigHashes, idx, int64(amt), prevScript, txscript.SigHashAll, privkey,
	)
}

func (m *MemWallet) Broadcast(_ context.Context, tx *wire.MsgTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Broadcasts = append(m.Broadcasts, tx)
	return nil
}

func (m *MemWallet) ImportWatchOnlyScript(_ context.Context, script []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WatchOnly = append(m.WatchOnly, script)
	return nil
}
