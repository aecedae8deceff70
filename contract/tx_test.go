package contract

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
)

func fakeOutpoint(t *testing.T, seed byte) wire.OutPoint {
	t.Helper()
	var h chainhash.Hash
	for i := range h {
		h[i] = seed
	}
	return wire.OutPoint{Hash: h, Index: 0}
}

// TestBuildContractTxFee checks that BuildContractTx subtracts exactly the
// fixed contract fee and preserves the 1-in/1-out shape required by §3.
func TestBuildContractTxFee(t *testing.T) {
	t.Parallel()

	hashPriv := randKey(t)
	timePriv := randKey(t)
	script, err := BuildContractScript(
		hashPriv.PubKey(), timePriv.PubKey(), randHash160(), 20,
	)
	require.NoError(t, err)

	fundingOut := fakeOutpoint(t, 0xAB)
	fundingValue := btcutil.Amount(500_000)

	tx, err := BuildContractTx(fundingOut, fundingValue, script)
	require.NoError(t, err)

	require.Len(t, tx.TxIn, 1)
	require.Len(t, tx.TxOut, 1)
	require.Equal(t, fundingOut, tx.TxIn[0].PreviousOutPoint)
	require.EqualValues(t, fundingValue-FixedContractFee, tx.TxOut[0].Value)
	require.EqualValues(t, 0, tx.TxIn[0].Sequence)
	require.EqualValues(t, 0, tx.LockTime)

	wantScript, err := P2WSH(script)
	require.NoError(t, err)
	require.Equal(t, wantScript, tx.TxOut[0].PkScript)
}

// TestSignAndVerifyContractTxSig exercises the BIP143 sign/verify round
// trip for the multisig counterparty signature over a contract tx.
func TestSignAndVerifyContractTxSig(t *testing.T) {
	t.Parallel()

	alice := randKey(t)
	bob := randKey(t)

	multisigScript, err := BuildMultisigScript(alice.PubKey(), bob.PubKey())
	require.NoError(t, err)

	fundingOut := fakeOutpoint(t, 0x01)
	fundingValue := btcutil.Amount(100_000)

	hashPriv := randKey(t)
	timePriv := randKey(t)
	contractScript, err := BuildContractScript(
		hashPriv.PubKey(), timePriv.PubKey(), randHash160(), 20,
	)
	require.NoError(t, err)

	tx, err := BuildContractTx(fundingOut, fundingValue, contractScript)
	require.NoError(t, err)

	sig, err := SignContractTx(tx, multisigScript, fundingValue, alice)
	require.NoError(t, err)

	err = VerifyContractTxSig(tx, multisigScript, fundingValue, alice.PubKey(), sig)
	require.NoError(t, err)

	// A signature from the wrong key must not verify.
	err = VerifyContractTxSig(tx, multisigScript, fundingValue, bob.PubKey(), sig)
	require.Error(t, err)
}

// TestValidateContractTx exercises the shape/outpoint/script checks of
// ValidateContractTx, including the negative cases.
func TestValidateContractTx(t *testing.T) {
	t.Parallel()

	hashPriv := randKey(t)
	timePriv := randKey(t)
	script, err := BuildContractScript(
		hashPriv.PubKey(), timePriv.PubKey(), randHash160(), 20,
	)
	require.NoError(t, err)

	fundingOut := fakeOutpoint(t, 0x02)
	tx, err := BuildContractTx(fundingOut, 50_000, script)
	require.NoError(t, err)

	require.NoError(t, ValidateContractTx(tx, &fundingOut, script))

	wrongOut := fakeOutpoint(t, 0x03)
	require.ErrorIs(t, ValidateContractTx(tx, &wrongOut, script), ErrSpendsWrongOutpoint)

	otherScript, err := BuildContractScript(
		timePriv.PubKey(), hashPriv.PubKey(), randHash160(), 20,
	)
	require.NoError(t, err)
	require.ErrorIs(t, ValidateContractTx(tx, &fundingOut, otherScript), ErrPaysWrongScript)

	extraOutTx := tx.Copy()
	extraOutTx.AddTxOut(tx.TxOut[0])
	require.ErrorIs(t, ValidateContractTx(extraOutTx, &fundingOut, script), ErrWrongShape)
}

// TestFundingOutpointFor checks that the funding output matching a known
// multisig script is located correctly among a funding tx's outputs.
func TestFundingOutpointFor(t *testing.T) {
	t.Parallel()

	alice := randKey(t)
	bob := randKey(t)
	multisigScript, err := BuildMultisigScript(alice.PubKey(), bob.PubKey())
	require.NoError(t, err)

	fundingScript, err := P2WSH(multisigScript)
	require.NoError(t, err)

	fundingTx := wire.NewMsgTx(2)
	fundingTx.AddTxOut(wire.NewTxOut(1234, []byte{0x00, 0x01, 0x02}))
	fundingTx.AddTxOut(wire.NewTxOut(500_000, fundingScript))

	outpoint, amt, err := FundingOutpointFor(fundingTx, multisigScript)
	require.NoError(t, err)
	require.EqualValues(t, 1, outpoint.Index)
	require.EqualValues(t, 500_000, amt)
}
