// Package swapcoin implements the per-hop swapcoin ledger: the durable
// record of every multisig output a party is party to during a coinswap,
// keyed by its funding multisig script, together with the keys and
// contract artefacts needed to either complete or recover that hop.
package swapcoin

import (
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightninglabs/teleport/contract"
)

// Kind identifies which of the three swapcoin variants a record holds.
// Following the "dynamic dispatch over swapcoin variants" design note, this
// is a tagged struct rather than an interface hierarchy: the three variants
// share only a handful of total accessors.
type Kind int

const (
	// Outgoing is held by the sender of a hop: it owns the timelock
	// private key and can reclaim funds after locktime expires.
	Outgoing Kind = iota

	// Incoming is held by the receiver of a hop: it owns the hashlock
	// private key and can claim funds once the preimage is known.
	Incoming

	// WatchOnly is held by the Taker for hops between two Makers: no
	// private keys, used only to drive the watchtower and recovery
	// coordinator.
	WatchOnly
)

func (k Kind) String() string {
	switch k {
	case Outgoing:
		return "outgoing"
	case Incoming:
		return "incoming"
	case WatchOnly:
		return "watch-only"
	default:
		return "unknown"
	}
}

// ErrWrongPrivkey is returned by ApplyPrivkey when the supplied key does not
// derive the expected counterparty public key.
var ErrWrongPrivkey = errors.New("swapcoin: private key does not match counterparty pubkey")

// ErrNotApplicable is returned when an operation is attempted against a
// swapcoin variant it doesn't apply to (e.g. applying a privkey to a
// watch-only swapcoin).
var ErrNotApplicable = errors.New("swapcoin: operation not applicable to this swapcoin kind")

// Swapcoin is a single hop's record in the ledger. Depending on Kind, only a
// subset of the key fields are populated; see the Kind constants above and
// spec §3 for the precise per-variant field set.
type Swapcoin struct {
	Kind Kind

	// MultisigScript is the canonical 2-of-2 sortedmulti redeem script of
	// the funding output. It is the ledger's key.
	MultisigScript []byte

	// FundingOutpoint/FundingAmount describe the funding output itself.
	FundingOutpoint wire.OutPoint
	FundingAmount   btcutil.Amount

	// OwnMultisigPrivkey is known for Outgoing/Incoming, nil for
	// WatchOnly.
	OwnMultisigPrivkey *btcec.PrivateKey

	// OwnMultisigPubkey mirrors OwnMultisigPrivkey's public key, and is
	// always known (including for WatchOnly, where it's one of the two
	// observed pubkeys).
	OwnMultisigPubkey *btcec.PublicKey

	// OtherMultisigPubkey is the counterparty's half of the 2-of-2.
	OtherMultisigPubkey *btcec.PublicKey

	// ContractTx/ContractRedeemScript are the pre-signed contract
	// transaction spending the funding output, and its redeem script.
	ContractTx           *wire.MsgTx
	ContractRedeemScript []byte

	// TimelockPrivkey is known only for Outgoing swapcoins.
	TimelockPrivkey *btcec.PrivateKey

	// HashlockPrivkey is known only for Incoming swapcoins.
	HashlockPrivkey *btcec.PrivateKey

	// OtherPrivkeyAfterHandover is filled in once the counterparty hands
	// over their multisig private key (§4.5 Phase 4); once set, the
	// funding output is fully spendable by this party alone.
	OtherPrivkeyAfterHandover *btcec.PrivateKey

	// Preimage is filled in once this party learns the swap's shared
	// hash preimage, via propagation down or up the route.
	Preimage *[32]byte
}

// NewOutgoing constructs an Outgoing swapcoin: this party is the sender of
// the hop and holds the timelock reclaim path.
func NewOutgoing(ownPrivkey *btcec.PrivateKey, otherPubkey *btcec.PublicKey,
	fundingOutpoint wire.OutPoint, fundingAmount btcutil.Amount,
	contractTx *wire.MsgTx, contractRedeemScript []byte,
	timelockPrivkey *btcec.PrivateKey) (*Swapcoin, error) {

	multisigScript, err := contract.BuildMultisigScript(ownPrivkey.PubKey(), otherPubkey)
	if err != nil {
		return nil, err
	}

	return &Swapcoin{
		Kind:                 Outgoing,
		MultisigScript:       multisigScript,
		FundingOutpoint:      fundingOutpoint,
		FundingAmount:        fundingAmount,
		OwnMultisigPrivkey:   ownPrivkey,
		OwnMultisigPubkey:    ownPrivkey.PubKey(),
		OtherMultisigPubkey:  otherPubkey,
		ContractTx:           contractTx,
		ContractRedeemScript: contractRedeemScript,
		TimelockPrivkey:      timelockPrivkey,
	}, nil
}

// NewIncoming constructs an Incoming swapcoin: this party is the receiver of
// the hop and holds the hashlock claim path.
func NewIncoming(ownPrivkey *btcec.PrivateKey, otherPubkey *btcec.PublicKey,
	fundingOutpoint wire.OutPoint, fundingAmount btcutil.Amount,
	contractTx *wire.MsgTx, contractRedeemScript []byte,
	hashlockPrivkey *btcec.PrivateKey) (*Swapcoin, error) {

	multisigScript, err := contract.BuildMultisigScript(ownPrivkey.PubKey(), otherPubkey)
	if err != nil {
		return nil, err
	}

	return &Swapcoin{
		Kind:                 Incoming,
		MultisigScript:       multisigScript,
		FundingOutpoint:      fundingOutpoint,
		FundingAmount:        fundingAmount,
		OwnMultisigPrivkey:   ownPrivkey,
		OwnMultisigPubkey:    ownPrivkey.PubKey(),
		OtherMultisigPubkey:  otherPubkey,
		ContractTx:           contractTx,
		ContractRedeemScript: contractRedeemScript,
		HashlockPrivkey:      hashlockPrivkey,
	}, nil
}

// NewWatchOnly constructs a WatchOnlySwapcoin, held by the Taker for hops
// between two Makers it is not itself a party to.
func NewWatchOnly(pubkeyA, pubkeyB *btcec.PublicKey, fundingOutpoint wire.OutPoint,
	fundingAmount btcutil.Amount, contractTx *wire.MsgTx,
	contractRedeemScript []byte) (*Swapcoin, error) {

	multisigScript, err := contract.BuildMultisigScript(pubkeyA, pubkeyB)
	if err != nil {
		return nil, err
	}

	return &Swapcoin{
		Kind:                 WatchOnly,
		MultisigScript:       multisigScript,
		FundingOutpoint:      fundingOutpoint,
		FundingAmount:        fundingAmount,
		OwnMultisigPubkey:    pubkeyA,
		OtherMultisigPubkey:  pubkeyB,
		ContractTx:           contractTx,
		ContractRedeemScript: contractRedeemScript,
	}, nil
}

// ApplyPrivkey applies the counterparty's handed-over multisig private key.
// It succeeds only if sk·G equals the recorded OtherMultisigPubkey (I4); on
// success the swapcoin becomes fully spendable as a single-party UTXO. It
// is not applicable to WatchOnly swapcoins, which never learn either
// privkey.
func (s *Swapcoin) ApplyPrivkey(sk *btcec.PrivateKey) error {
	if s.Kind == WatchOnly {
		return ErrNotApplicable
	}
	if !sk.PubKey().IsEqual(s.OtherMultisigPubkey) {
		return ErrWrongPrivkey
	}
	s.OtherPrivkeyAfterHandover = sk
	return nil
}

// IsFullySpendable reports whether both multisig private keys are now
// known, i.e. the swap completed normally for this hop and the output can
// be swept into the owner's HD wallet.
func (s *Swapcoin) IsFullySpendable() bool {
	return s.OwnMultisigPrivkey != nil && s.OtherPrivkeyAfterHandover != nil
}

// IsPendingCommitment reports whether this swapcoin is an unfinished
// commitment that the recovery coordinator must act on: an Incoming or
// Outgoing swapcoin still lacking the handed-over counterparty privkey
// (an Incoming one with a known preimage stays pending so that its
// hashlock branch can be claimed). Used for the "unfinished-swap reload"
// check at startup (§4.5).
func (s *Swapcoin) IsPendingCommitment() bool {
	switch s.Kind {
	case Incoming:
		return s.OtherPrivkeyAfterHandover == nil
	case Outgoing:
		return s.OtherPrivkeyAfterHandover == nil
	default:
		return false
	}
}

// FundingScriptPubKey returns P2WSH(MultisigScript), the scriptPubKey the
// funding output must carry (I3).
func (s *Swapcoin) FundingScriptPubKey() ([]byte, error) {
	return contract.P2WSH(s.MultisigScript)
}

// ContractScriptPubKey returns P2WSH(ContractRedeemScript), the scriptPubKey
// the contract transaction's single output must carry.
func (s *Swapcoin) ContractScriptPubKey() ([]byte, error) {
	return contract.P2WSH(s.ContractRedeemScript)
}
