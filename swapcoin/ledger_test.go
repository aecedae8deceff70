package swapcoin

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/teleport/contract"
	"github.com/stretchr/testify/require"
)

func mustKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	k, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return k
}

func fakeOutpoint(seed byte) wire.OutPoint {
	var h chainhash.Hash
	for i := range h {
		h[i] = seed
	}
	return wire.OutPoint{Hash: h, Index: 0}
}

// buildTestOutgoing returns a fresh Outgoing swapcoin plus the private key
// whose handover would complete it (the "other side" of the multisig).
func buildTestOutgoing(t *testing.T) (*Swapcoin, *btcec.PrivateKey) {
	t.Helper()

	own := mustKey(t)
	other := mustKey(t)
	timePriv := mustKey(t)
	hashPriv := mustKey(t)

	var hv [contract.Hash160Size]byte
	contractScript, err := contract.BuildContractScript(hashPriv.PubKey(), timePriv.PubKey(), hv, 20)
	require.NoError(t, err)

	fundingOut := fakeOutpoint(0x01)
	tx, err := contract.BuildContractTx(fundingOut, 100_000, contractScript)
	require.NoError(t, err)

	sc, err := NewOutgoing(own, other.PubKey(), fundingOut, 100_000, tx, contractScript, timePriv)
	require.NoError(t, err)
	return sc, other
}

// TestLedgerInsertFind exercises the basic insert/find/remove cycle and I3:
// the funding scriptPubKey must equal P2WSH(multisig_script).
func TestLedgerInsertFind(t *testing.T) {
	t.Parallel()

	sc, _ := buildTestOutgoing(t)
	l := NewLedger()
	l.Insert(sc)
	require.Equal(t, 1, l.Len())

	found, err := l.Find(sc.MultisigScript)
	require.NoError(t, err)
	require.Same(t, sc, found)

	pkScript, err := found.FundingScriptPubKey()
	require.NoError(t, err)
	wantScript, err := contract.P2WSH(sc.MultisigScript)
	require.NoError(t, err)
	require.Equal(t, wantScript, pkScript)

	l.Remove(sc.MultisigScript)
	require.Equal(t, 0, l.Len())
	_, err = l.Find(sc.MultisigScript)
	require.ErrorIs(t, err, ErrNotFound)
}

// TestApplyPrivkeyWrongKey exercises I4: ApplyPrivkey only succeeds when
// sk·G == other_pubkey.
func TestApplyPrivkeyWrongKey(t *testing.T) {
	t.Parallel()

	sc, other := buildTestOutgoing(t)

	wrongKey := mustKey(t)
	require.ErrorIs(t, sc.ApplyPrivkey(wrongKey), ErrWrongPrivkey)
	require.False(t, sc.IsFullySpendable())

	require.NoError(t, sc.ApplyPrivkey(other))
	require.True(t, sc.IsFullySpendable())
}

// TestPendingCommitments checks the unfinished-swap reload predicate for an
// Outgoing swapcoin: pending until the counterparty privkey is handed over.
func TestPendingCommitments(t *testing.T) {
	t.Parallel()

	sc, other := buildTestOutgoing(t)
	l := NewLedger()
	l.Insert(sc)

	require.Len(t, l.PendingCommitments(), 1)

	require.NoError(t, l.ApplyPrivkey(sc.MultisigScript, other))
	require.Empty(t, l.PendingCommitments())
}

// TestFindByContractScript checks watchtower-style lookup by contract
// script across multiple ledger entries.
func TestFindByContractScript(t *testing.T) {
	t.Parallel()

	sc, _ := buildTestOutgoing(t)
	l := NewLedger()
	l.Insert(sc)

	matches := l.FindByContractScript(sc.ContractRedeemScript)
	require.Len(t, matches, 1)
	require.Same(t, sc, matches[0])

	require.Empty(t, l.FindByContractScript([]byte{0x01, 0x02}))
}
