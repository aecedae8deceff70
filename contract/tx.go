package contract

import (
	"bytes"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcd/btcutil"
)

// FixedContractFee is the flat mining fee subtracted from the funding
// amount when building a contract transaction (§6.5 contract_tx_fixed_fee).
//
// TODO(coinswap): this should become a function of current feerate; the
// upstream protocol hardcodes it too (spec §9 open question).
const FixedContractFee = btcutil.Amount(1000)

// BuildContractTx constructs the 1-in/1-out contract transaction spending
// the given funding outpoint. The output pays P2WSH(contractScript); the
// output value is the funding value minus FixedContractFee. Sequence and
// nLockTime are both zero: the contract tx itself carries no relative or
// absolute timelock, only the script it pays into does.
func BuildContractTx(fundingOutpoint wire.OutPoint, fundingValue btcutil.Amount,
	contractScript []byte) (*wire.MsgTx, error) {

	contractOut, err := P2WSH(contractScript)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(2)
	txIn := wire.NewTxIn(&fundingOutpoint, nil, nil)
	txIn.Sequence = 0
	tx.AddTxIn(txIn)

	outValue := fundingValue - FixedContractFee
	tx.AddTxOut(wire.NewTxOut(int64(outValue), contractOut))
	tx.LockTime = 0

	return tx, nil
}

// SignContractTx produces the BIP143 SIGHASH_ALL signature for the single
// input of a contract transaction, spending a funding output locked by
// multisigScript with privkey as one of the two multisig keys.
func SignContractTx(tx *wire.MsgTx, multisigScript []byte,
	fundingValue btcutil.Amount, privkey *btcec.PrivateKey) ([]byte, error) {

	sigHashes := txscript.NewTxSigHashes(tx, txscript.NewCannedPrevOutputFetcher(
		multisigScript, int64(fundingValue),
	))

	return txscript.RawTxInWitnessSignature(
		tx, sigHashes, 0, int64(fundingValue), multisigScript,
		txscript.SigHashAll, privkey,
	)
}

// VerifyContractTxSig checks that sig is a valid BIP143 SIGHASH_ALL
// signature over tx's single input by pubkey, under multisigScript as the
// signed script code.
func VerifyContractTxSig(tx *wire.MsgTx, multisigScript []byte,
	fundingValue btcutil.Amount, pubkey *btcec.PublicKey, sig []byte) error {

	if len(sig) == 0 {
		return ErrBadTemplate
	}

	// Strip the trailing sighash type byte before DER-parsing.
	rawSig := sig[:len(sig)-1]
	parsedSig, err := ecdsa.ParseDERSignature(rawSig)
	if err != nil {
		return err
	}

	sigHashes := txscript.NewTxSigHashes(tx, txscript.NewCannedPrevOutputFetcher(
		multisigScript, int64(fundingValue),
	))
	sigHash, err := txscript.CalcWitnessSigHash(
		multisigScript, sigHashes, txscript.SigHashAll, tx, 0, int64(fundingValue),
	)
	if err != nil {
		return err
	}

	if !parsedSig.Verify(sigHash, pubkey) {
		return ErrBadTemplate
	}
	return nil
}

// ValidateContractTx checks the shape of a purported contract transaction
// against its expected funding outpoint (if known) and expected contract
// script. It enforces the 1-in/1-out shape required by §3.
func ValidateContractTx(tx *wire.MsgTx, fundingOutpoint *wire.OutPoint,
	contractScript []byte) error {

	if len(tx.TxIn) != 1 || len(tx.TxOut) != 1 {
		return ErrWrongShape
	}

	if fundingOutpoint != nil {
		if tx.TxIn[0].PreviousOutPoint != *fundingOutpoint {
			return ErrSpendsWrongOutpoint
		}
	}

	wantScript, err := P2WSH(contractScript)
	if err != nil {
		return err
	}
	if !bytes.Equal(tx.TxOut[0].PkScript, wantScript) {
		return ErrPaysWrongScript
	}

	return nil
}

// FundingOutpointFor returns the outpoint within fundingTx whose scriptPubKey
// equals the expected P2WSH(multisigScript), i.e. the funding output this
// hop's contract transaction should spend. It errors if no such output
// exists.
func FundingOutpointFor(fundingTx *wire.MsgTx, multisigScript []byte) (wire.OutPoint, btcutil.Amount, error) {
	wantScript, err := P2WSH(multisigScript)
	if err != nil {
		return wire.OutPoint{}, 0, err
	}

	txHash := fundingTx.TxHash()
	for i, out := range fundingTx.TxOut {
		if bytes.Equal(out.PkScript, wantScript) {
			return wire.OutPoint{Hash: txHash, Index: uint32(i)},
				btcutil.Amount(out.Value), nil
		}
	}
	return wire.OutPoint{}, 0, ErrPaysWrongScript
}
