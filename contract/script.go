// Package contract implements the coinswap contract primitive: the HTLC
// redeem script that binds funds to a (hashlock-pubkey, timelock-pubkey,
// hashvalue, locktime) tuple, the canonical 2-of-2 funding script, and the
// funding/contract transaction pair built and signed around them.
package contract

import (
	"bytes"
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
)

// Hash160Size is the length in bytes of the hashlock image carried in a
// contract script.
const Hash160Size = 20

// hashlockSizeCheck is the literal pushed by the contract script's hashlock
// branch to assert the length of the witness item that must accompany it
// (32, the preimage); the timelock branch pushes 0 (an empty item) directly.
// hashlockCSV is the 1-block CSV the hashlock branch carries.
const (
	hashlockSizeCheck = 32
	hashlockCSV       = 1
)

// BuildContractScript constructs the canonical coinswap contract redeem
// script for the given parameters. The script is a CSV-gated hashlock/
// timelock pair: the hashlock branch requires a 32-byte preimage hashing to
// hashvalue plus one block of relative maturity, the timelock branch
// requires an empty push plus `locktime` blocks of relative maturity.
//
// See spec §6.1 for the byte-exact opcode sequence this produces.
func BuildContractScript(hashPubkey, timePubkey *btcec.PublicKey,
	hashvalue [Hash160Size]byte, locktime int64) ([]byte, error) {

	if locktime <= 0 {
		return nil, ErrLocktimeTooShort
	}

	builder := txscript.NewScriptBuilder()

	builder.AddOp(txscript.OP_SIZE)
	builder.AddOp(txscript.OP_SWAP)
	builder.AddOp(txscript.OP_HASH160)
	builder.AddData(hashvalue[:])
	builder.AddOp(txscript.OP_EQUAL)
	builder.AddOp(txscript.OP_IF)
	builder.AddData(hashPubkey.SerializeCompressed())
	builder.AddInt64(hashlockSizeCheck)
	builder.AddInt64(hashlockCSV)
	builder.AddOp(txscript.OP_ELSE)
	builder.AddData(timePubkey.SerializeCompressed())
	builder.AddOp(txscript.OP_0)
	builder.AddInt64(locktime)
	builder.AddOp(txscript.OP_ENDIF)
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddOp(txscript.OP_ROT)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddOp(txscript.OP_CHECKSIG)

	return builder.Script()
}

// ParsedContract is the result of parsing a contract redeem script back into
// its constituent parameters.
type ParsedContract struct {
	HashPubkey *btcec.PublicKey
	TimePubkey *btcec.PublicKey
	Hashvalue  [Hash160Size]byte
	Locktime   int64
}

// ParseContract recovers (hash_pubkey, time_pubkey, hashvalue, locktime)
// from a script, failing unless the script matches the canonical template
// byte-for-byte outside of the designated data pushes. This is the inverse
// of BuildContractScript: for all valid inputs,
// ParseContract(BuildContractScript(h, t, v, l)) == (h, t, v, l).
func ParseContract(script []byte) (*ParsedContract, error) {
	tokenizer := txscript.MakeScriptTokenizer(0, script)

	expectOp := func(op byte) error {
		if !tokenizer.Next() {
			return ErrScriptTooShort
		}
		if tokenizer.Opcode() != op {
			return ErrBadTemplate
		}
		return nil
	}

	expectData := func(size int) ([]byte, error) {
		if !tokenizer.Next() {
			return nil, ErrScriptTooShort
		}
		data := tokenizer.Data()
		if size >= 0 && len(data) != size {
			return nil, ErrBadTemplate
		}
		return data, nil
	}

	expectInt := func(want int64) error {
		if !tokenizer.Next() {
			return ErrScriptTooShort
		}
		n, err := scriptNumFromTokenizer(&tokenizer)
		if err != nil {
			return err
		}
		if n != want {
			return ErrBadTemplate
		}
		return nil
	}

	if err := expectOp(txscript.OP_SIZE); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_SWAP); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_HASH160); err != nil {
		return nil, err
	}
	hashvalueData, err := expectData(Hash160Size)
	if err != nil {
		return nil, ErrBadHash
	}
	if err := expectOp(txscript.OP_EQUAL); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_IF); err != nil {
		return nil, err
	}
	hashPubkeyData, err := expectData(btcec.PubKeyBytesLenCompressed)
	if err != nil {
		return nil, ErrBadPubkey
	}
	if err := expectInt(hashlockSizeCheck); err != nil {
		return nil, err
	}
	if err := expectInt(hashlockCSV); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_ELSE); err != nil {
		return nil, err
	}
	timePubkeyData, err := expectData(btcec.PubKeyBytesLenCompressed)
	if err != nil {
		return nil, ErrBadPubkey
	}
	if err := expectOp(txscript.OP_0); err != nil {
		return nil, err
	}
	if !tokenizer.Next() {
		return nil, ErrScriptTooShort
	}
	locktime, err := scriptNumFromTokenizer(&tokenizer)
	if err != nil {
		return nil, err
	}
	if locktime <= 0 {
		return nil, ErrLocktimeTooShort
	}
	if err := expectOp(txscript.OP_ENDIF); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_CHECKSEQUENCEVERIFY); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_DROP); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_ROT); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_EQUALVERIFY); err != nil {
		return nil, err
	}
	if err := expectOp(txscript.OP_CHECKSIG); err != nil {
		return nil, err
	}
	if tokenizer.Next() {
		return nil, ErrBadTemplate
	}
	if err := tokenizer.Err(); err != nil {
		return nil, ErrBadTemplate
	}

	hashPubkey, err := btcec.ParsePubKey(hashPubkeyData)
	if err != nil {
		return nil, ErrBadPubkey
	}
	timePubkey, err := btcec.ParsePubKey(timePubkeyData)
	if err != nil {
		return nil, ErrBadPubkey
	}

	var hashvalue [Hash160Size]byte
	copy(hashvalue[:], hashvalueData)

	return &ParsedContract{
		HashPubkey: hashPubkey,
		TimePubkey: timePubkey,
		Hashvalue:  hashvalue,
		Locktime:   locktime,
	}, nil
}

// scriptNumFromTokenizer interprets the data just yielded by the tokenizer
// as a minimally-encoded Bitcoin script number, including the special
// single-opcode small-integer encodings (OP_0, OP_1-OP_16).
func scriptNumFromTokenizer(t *txscript.ScriptTokenizer) (int64, error) {
	op := t.Opcode()
	switch {
	case op == txscript.OP_0:
		return 0, nil
	case op >= txscript.OP_1 && op <= txscript.OP_16:
		return int64(op-txscript.OP_1) + 1, nil
	}

	n, err := txscript.MakeScriptNum(t.Data(), true, 5)
	if err != nil {
		return 0, ErrBadTemplate
	}
	return int64(n), nil
}

// BuildMultisigScript constructs the canonical 2-of-2 sortedmulti redeem
// script for a funding output: OP_2 <pk_lo> <pk_hi> OP_2 OP_CHECKMULTISIG,
// where pk_lo < pk_hi lexicographically on their compressed serialization.
// The result is independent of argument order:
// BuildMultisigScript(a, b) == BuildMultisigScript(b, a).
func BuildMultisigScript(a, b *btcec.PublicKey) ([]byte, error) {
	aBytes := a.SerializeCompressed()
	bBytes := b.SerializeCompressed()

	lo, hi := aBytes, bBytes
	if bytes.Compare(aBytes, bBytes) > 0 {
		lo, hi = bBytes, aBytes
	}

	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_2)
	builder.AddData(lo)
	builder.AddData(hi)
	builder.AddOp(txscript.OP_2)
	builder.AddOp(txscript.OP_CHECKMULTISIG)
	return builder.Script()
}

// ParseMultisigScript recovers the two compressed pubkeys embedded in a
// canonical 2-of-2 sortedmulti script built by BuildMultisigScript, in the
// same pk_lo, pk_hi order the script carries them.
func ParseMultisigScript(script []byte) (pkLo, pkHi *btcec.PublicKey, err error) {
	tokenizer := txscript.MakeScriptTokenizer(0, script)

	next := func(wantOp byte) ([]byte, error) {
		if !tokenizer.Next() {
			return nil, ErrScriptTooShort
		}
		if wantOp != 0 && tokenizer.Opcode() != wantOp {
			return nil, ErrBadTemplate
		}
		return tokenizer.Data(), nil
	}

	if _, err := next(txscript.OP_2); err != nil {
		return nil, nil, err
	}
	loData, err := next(0)
	if err != nil || len(loData) != btcec.PubKeyBytesLenCompressed {
		return nil, nil, ErrBadPubkey
	}
	hiData, err := next(0)
	if err != nil || len(hiData) != btcec.PubKeyBytesLenCompressed {
		return nil, nil, ErrBadPubkey
	}
	if _, err := next(txscript.OP_2); err != nil {
		return nil, nil, err
	}
	if _, err := next(txscript.OP_CHECKMULTISIG); err != nil {
		return nil, nil, err
	}
	if tokenizer.Next() {
		return nil, nil, ErrBadTemplate
	}
	if err := tokenizer.Err(); err != nil {
		return nil, nil, ErrBadTemplate
	}

	pkLo, err = btcec.ParsePubKey(loData)
	if err != nil {
		return nil, nil, ErrBadPubkey
	}
	pkHi, err = btcec.ParsePubKey(hiData)
	if err != nil {
		return nil, nil, ErrBadPubkey
	}
	return pkLo, pkHi, nil
}

// P2WSH returns the witness program scriptPubKey (OP_0 <32-byte-sha256>)
// for a given redeem/witness script.
func P2WSH(script []byte) ([]byte, error) {
	witnessProgram := sha256.Sum256(script)

	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_0)
	builder.AddData(witnessProgram[:])
	return builder.Script()
}
