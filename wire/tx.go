package wire

import (
	"bytes"

	btcwire "github.com/btcsuite/btcd/wire"
)

// EncodeTx serializes tx for use in a message field that carries a raw
// transaction (FundingTxSigReq.ContractTx, ProofOfFunding.FundingTxs).
func EncodeTx(tx *btcwire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeTx is the inverse of EncodeTx.
func DecodeTx(raw []byte) (*btcwire.MsgTx, error) {
	tx := btcwire.NewMsgTx(btcwire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return tx, nil
}
