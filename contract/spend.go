package contract

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcd/btcutil"
)

// SpendFee is the flat mining fee subtracted when building a spend of a
// contract output, whether via the hashlock or the timelock branch.
const SpendFee = btcutil.Amount(700)

// buildSpendTx constructs the shared 1-in/1-out shape of a contract-output
// spend: spend contractOutpoint (locked by contractScript, worth
// contractValue) to destScript, with the CSV relative-locktime value
// encoded directly as the input's sequence number.
func buildSpendTx(contractOutpoint wire.OutPoint, contractValue btcutil.Amount,
	destScript []byte, relativeLocktime int64) *wire.MsgTx {

	tx := wire.NewMsgTx(2)
	txIn := wire.NewTxIn(&contractOutpoint, nil, nil)
	txIn.Sequence = uint32(relativeLocktime)
	tx.AddTxIn(txIn)

	tx.AddTxOut(wire.NewTxOut(int64(contractValue-SpendFee), destScript))
	return tx
}

// BuildHashlockSpendTx constructs the transaction that claims a contract
// output via the hashlock branch (spec §6.1's "hashlock_pubkey + 1-block
// CSV" path), paying to destScript.
func BuildHashlockSpendTx(contractOutpoint wire.OutPoint,
	contractValue btcutil.Amount, destScript []byte) *wire.MsgTx {

	return buildSpendTx(contractOutpoint, contractValue, destScript, hashlockCSV)
}

// BuildTimelockSpendTx constructs the transaction that reclaims a contract
// output via the timelock branch once locktime blocks of relative maturity
// have passed, paying to destScript.
func BuildTimelockSpendTx(contractOutpoint wire.OutPoint,
	contractValue btcutil.Amount, destScript []byte, locktime int64) *wire.MsgTx {

	return buildSpendTx(contractOutpoint, contractValue, destScript, locktime)
}

// signSpend produces the BIP143 signature over tx's single input, spending
// a contract output locked by contractScript.
func signSpend(tx *wire.MsgTx, contractScript []byte,
	contractValue btcutil.Amount, privkey *btcec.PrivateKey) ([]byte, error) {

	sigHashes := txscript.NewTxSigHashes(tx, txscript.NewCannedPrevOutputFetcher(
		contractScript, int64(contractValue),
	))
	return txscript.RawTxInWitnessSignature(
		tx, sigHashes, 0, int64(contractValue), contractScript,
		txscript.SigHashAll, privkey,
	)
}

// SignHashlockSpend signs and assembles the witness for claiming a contract
// output via the hashlock branch: [sig, preimage, contractScript]. The
// signature is produced with hashPrivkey, the key named in the script's
// hashlock branch.
func SignHashlockSpend(tx *wire.MsgTx, contractScript []byte,
	contractValue btcutil.Amount, hashPrivkey *btcec.PrivateKey,
	preimage [32]byte) ([][]byte, error) {

	sig, err := signSpend(tx, contractScript, contractValue, hashPrivkey)
	if err != nil {
		return nil, err
	}
	return [][]byte{sig, preimage[:], contractScript}, nil
}

// SignTimelockSpend signs and assembles the witness for reclaiming a
// contract output via the timelock branch: [sig, <empty>, contractScript].
// The empty push steers script execution away from the hashlock branch's
// OP_EQUAL check (whose hash of an empty input will not match hashvalue).
func SignTimelockSpend(tx *wire.MsgTx, contractScript []byte,
	contractValue btcutil.Amount, timePrivkey *btcec.PrivateKey) ([][]byte, error) {

	sig, err := signSpend(tx, contractScript, contractValue, timePrivkey)
	if err != nil {
		return nil, err
	}
	return [][]byte{sig, {}, contractScript}, nil
}

// ExtractPreimageFromWitness inspects a contract-output spend's witness
// stack and, if it matches the hashlock branch's shape (a 32-byte item in
// the preimage position), returns the preimage it reveals. This is how a
// party who doesn't yet know the swap's preimage learns it by observing a
// counterparty's on-chain claim (spec §4.7/§4.5 Phase 5 fallback path).
func ExtractPreimageFromWitness(witness [][]byte) (preimage [32]byte, ok bool) {
	if len(witness) != 3 || len(witness[1]) != 32 {
		return preimage, false
	}
	copy(preimage[:], witness[1])
	return preimage, true
}
