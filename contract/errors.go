package contract

import "errors"

// Errors returned while building, parsing or validating contract scripts
// and transactions. These map directly onto the Script/Crypto error kind
// of the error taxonomy.
var (
	// ErrScriptTooShort is returned when a candidate script is shorter than
	// the canonical contract script template.
	ErrScriptTooShort = errors.New("contract: script too short")

	// ErrBadTemplate is returned when a candidate script does not match the
	// canonical contract template byte-for-byte outside the designated
	// data pushes.
	ErrBadTemplate = errors.New("contract: script does not match contract template")

	// ErrBadPubkey is returned when a push that should hold a compressed
	// secp256k1 public key does not parse as one.
	ErrBadPubkey = errors.New("contract: invalid compressed pubkey")

	// ErrBadHash is returned when the hashlock push is not exactly 20
	// bytes.
	ErrBadHash = errors.New("contract: hash160 push must be 20 bytes")

	// ErrLocktimeTooShort is returned when a contract script is requested
	// with a zero or negative locktime. The spacing of locktimes between
	// consecutive hops is not checked with it.
	ErrLocktimeTooShort = errors.New("contract: locktime does not leave enough reaction time")

	// ErrSpendsWrongOutpoint is returned when a contract transaction's
	// single input does not spend the expected funding outpoint.
	ErrSpendsWrongOutpoint = errors.New("contract: contract tx spends unexpected outpoint")

	// ErrPaysWrongScript is returned when a contract transaction's single
	// output does not pay the expected P2WSH(contract script).
	ErrPaysWrongScript = errors.New("contract: contract tx output script mismatch")

	// ErrWrongShape is returned when a transaction does not have exactly
	// one input and one output, as required of a contract tx.
	ErrWrongShape = errors.New("contract: expected exactly one input and one output")

	// ErrWrongPrivkey is returned by swapcoin key-application when a
	// supplied private key does not derive the expected counterparty
	// public key.
	ErrWrongPrivkey = errors.New("contract: private key does not match counterparty pubkey")
)
