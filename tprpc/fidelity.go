// Package tprpc defines the small set of externally-pluggable verification
// interfaces a Taker consults before trusting a Maker: today, just fidelity
// bond verification (§4.4, Glossary "Fidelity bond").
package tprpc

import "github.com/btcsuite/btcd/btcec/v2"

// FidelityProof is the opaque, wallet-produced proof that a Maker controls
// a time-locked UTXO of sufficient value and remaining locktime to deter
// sybil behaviour. Its internal encoding is a wallet/chain-backend concern;
// this package only verifies the boundary.
type FidelityProof []byte

// FidelityVerifier checks that a fidelity proof genuinely commits to
// pubkey. Bond accounting (minimum value, minimum remaining locktime) is a
// wallet/chain-backend concern outside this package's scope; implementors
// are expected to consult chainrpc for the actual UTXO state.
type FidelityVerifier interface {
	VerifyProof(proof FidelityProof, pubkey *btcec.PublicKey) error
}

// NullVerifier accepts every proof unconditionally. It is the default used
// by tests and by configurations that haven't wired a real bond-checking
// backend.
type NullVerifier struct{}

// VerifyProof always succeeds.
func (NullVerifier) VerifyProof(FidelityProof, *btcec.PublicKey) error {
	return nil
}
