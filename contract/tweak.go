package contract

import (
	"crypto/sha256"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
)

// Role domain-separates the single per-hop tweak a Maker's Offer.TweakablePoint
// carries into the distinct keys a hop actually needs: the multisig half of
// the funding output, and whichever contract-script branch (hashlock or
// timelock) this party holds for the hop.
type Role byte

const (
	RoleMultisig Role = 1
	RoleContract Role = 2
)

// RoleTweak derives a role-specific 32-byte tweak from a single per-hop
// tweak, so one HopTweak value (sent once per hop) yields independent
// multisig and contract keys rather than reusing the same scalar for both.
func RoleTweak(hopTweak [32]byte, role Role) [32]byte {
	h := sha256.Sum256(append(hopTweak[:], byte(role)))
	return h
}

// DeriveHopPrivkey derives a per-hop private key from a Maker's long-lived
// tweakable key by adding tweak (reduced mod the curve order) to it. This
// lets a Maker publish a single long-lived tweakable_point (§4.4) while
// every hop uses a distinct key, without a key-exchange round trip: a
// Taker who knows the Maker's public tweakable_point and the agreed tweak
// can compute the same per-hop public key independently via
// DeriveHopPubkey.
//
// This is the additive-tweak idiom breez-lightninglib uses throughout its
// commitment-key derivation (compare input/script_utils_test.go's
// TweakPrivKey/TweakPubKey exercises), generalized here from
// per-commitment revocation keys to per-hop coinswap keys.
func DeriveHopPrivkey(base *btcec.PrivateKey, tweak [32]byte) *btcec.PrivateKey {
	baseScalar := new(big.Int).SetBytes(base.Serialize())
	tweakScalar := new(big.Int).SetBytes(tweak[:])

	sum := new(big.Int).Add(baseScalar, tweakScalar)
	sum.Mod(sum, btcec.S256().N)

	priv, _ := btcec.PrivKeyFromBytes(sum.Bytes())
	return priv
}

// DeriveHopPubkey computes the public key matching DeriveHopPrivkey without
// requiring the private key: base + tweak·G.
func DeriveHopPubkey(base *btcec.PublicKey, tweak [32]byte) *btcec.PublicKey {
	tweakScalar := new(big.Int).SetBytes(tweak[:])
	tx, ty := btcec.S256().ScalarBaseMult(tweakScalar.Bytes())

	x, y := btcec.S256().Add(base.X(), base.Y(), tx, ty)

	fieldX := new(btcec.FieldVal)
	fieldX.SetByteSlice(x.Bytes())
	fieldY := new(btcec.FieldVal)
	fieldY.SetByteSlice(y.Bytes())

	return btcec.NewPublicKey(fieldX, fieldY)
}
