package swapcoin

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	btcwire "github.com/btcsuite/btcd/wire"
	bolt "github.com/coreos/bbolt"
	"github.com/fxamacker/cbor/v2"

	"github.com/lightninglabs/teleport/wire"
)

var swapcoinBucket = []byte("swapcoin-bucket")

// Store is a bbolt-backed table of Swapcoin records keyed by multisig
// script, mirroring the single-bucket-per-concern layout channeldb uses
// for its top-level stores (the same layout directory.Store uses). It
// gives a Maker or Taker process the "unfinished-swap reload" Ledger
// requires at startup (spec §4.5): every swapcoin still open when the
// process last exited is written here as it's inserted, and read back by
// OpenLedger before either daemon starts serving connections.
type Store struct {
	db *bolt.DB
}

// OpenStore creates or opens the swapcoin bucket in db.
func OpenStore(db *bolt.DB) (*Store, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(swapcoinBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("swapcoin: create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Put persists sc, replacing any existing record under the same multisig
// script.
func (s *Store) Put(sc *Swapcoin) error {
	rec, err := toRecord(sc)
	if err != nil {
		return fmt.Errorf("swapcoin: encode record: %w", err)
	}
	raw, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("swapcoin: marshal record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(swapcoinBucket).Put([]byte(key(sc.MultisigScript)), raw)
	})
}

// Delete removes the record for multisigScript. It is a no-op if no such
// record exists.
func (s *Store) Delete(multisigScript []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(swapcoinBucket).Delete([]byte(key(multisigScript)))
	})
}

// LoadAll decodes every swapcoin record currently in the store, used to
// repopulate a Ledger at startup.
func (s *Store) LoadAll() ([]*Swapcoin, error) {
	var out []*Swapcoin
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(swapcoinBucket)
		return b.ForEach(func(k, v []byte) error {
			var rec record
			if err := cbor.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("swapcoin: decode record for %x: %w", k, err)
			}
			sc, err := rec.toSwapcoin()
			if err != nil {
				return fmt.Errorf("swapcoin: rebuild record for %x: %w", k, err)
			}
			out = append(out, sc)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// record is the on-disk shape of a Swapcoin: every key and the contract tx
// reduced to raw bytes, so cbor never has to know about btcec/wire types.
type record struct {
	Kind Kind `cbor:"kind"`

	MultisigScript []byte `cbor:"multisig_script"`

	FundingOutpointHash  []byte `cbor:"funding_outpoint_hash"`
	FundingOutpointIndex uint32 `cbor:"funding_outpoint_index"`
	FundingAmount        int64  `cbor:"funding_amount"`

	OwnMultisigPrivkey  []byte `cbor:"own_multisig_privkey,omitempty"`
	OwnMultisigPubkey   []byte `cbor:"own_multisig_pubkey,omitempty"`
	OtherMultisigPubkey []byte `cbor:"other_multisig_pubkey,omitempty"`

	ContractTx           []byte `cbor:"contract_tx"`
	ContractRedeemScript []byte `cbor:"contract_redeem_script"`

	TimelockPrivkey           []byte `cbor:"timelock_privkey,omitempty"`
	HashlockPrivkey           []byte `cbor:"hashlock_privkey,omitempty"`
	OtherPrivkeyAfterHandover []byte `cbor:"other_privkey_after_handover,omitempty"`

	Preimage []byte `cbor:"preimage,omitempty"`
}

func toRecord(sc *Swapcoin) (*record, error) {
	contractTx, err := wire.EncodeTx(sc.ContractTx)
	if err != nil {
		return nil, err
	}

	rec := &record{
		Kind:                 sc.Kind,
		MultisigScript:       sc.MultisigScript,
		FundingOutpointHash:  sc.FundingOutpoint.Hash[:],
		FundingOutpointIndex: sc.FundingOutpoint.Index,
		FundingAmount:        int64(sc.FundingAmount),
		ContractTx:           contractTx,
		ContractRedeemScript: sc.ContractRedeemScript,
	}

	if sc.OwnMultisigPrivkey != nil {
		rec.OwnMultisigPrivkey = sc.OwnMultisigPrivkey.Serialize()
	}
	if sc.OwnMultisigPubkey != nil {
		rec.OwnMultisigPubkey = sc.OwnMultisigPubkey.SerializeCompressed()
	}
	if sc.OtherMultisigPubkey != nil {
		rec.OtherMultisigPubkey = sc.OtherMultisigPubkey.SerializeCompressed()
	}
	if sc.TimelockPrivkey != nil {
		rec.TimelockPrivkey = sc.TimelockPrivkey.Serialize()
	}
	if sc.HashlockPrivkey != nil {
		rec.HashlockPrivkey = sc.HashlockPrivkey.Serialize()
	}
	if sc.OtherPrivkeyAfterHandover != nil {
		rec.OtherPrivkeyAfterHandover = sc.OtherPrivkeyAfterHandover.Serialize()
	}
	if sc.Preimage != nil {
		rec.Preimage = sc.Preimage[:]
	}

	return rec, nil
}

func (r *record) toSwapcoin() (*Swapcoin, error) {
	contractTx, err := wire.DecodeTx(r.ContractTx)
	if err != nil {
		return nil, err
	}

	var outpointHash chainhash.Hash
	copy(outpointHash[:], r.FundingOutpointHash)

	sc := &Swapcoin{
		Kind:           r.Kind,
		MultisigScript: r.MultisigScript,
		FundingOutpoint: btcwire.OutPoint{
			Hash:  outpointHash,
			Index: r.FundingOutpointIndex,
		},
		FundingAmount:        btcutil.Amount(r.FundingAmount),
		ContractTx:           contractTx,
		ContractRedeemScript: r.ContractRedeemScript,
	}

	if sc.OwnMultisigPrivkey, err = parsePrivkey(r.OwnMultisigPrivkey); err != nil {
		return nil, err
	}
	if sc.OwnMultisigPubkey, err = parsePubkey(r.OwnMultisigPubkey); err != nil {
		return nil, err
	}
	if sc.OtherMultisigPubkey, err = parsePubkey(r.OtherMultisigPubkey); err != nil {
		return nil, err
	}
	if sc.TimelockPrivkey, err = parsePrivkey(r.TimelockPrivkey); err != nil {
		return nil, err
	}
	if sc.HashlockPrivkey, err = parsePrivkey(r.HashlockPrivkey); err != nil {
		return nil, err
	}
	if sc.OtherPrivkeyAfterHandover, err = parsePrivkey(r.OtherPrivkeyAfterHandover); err != nil {
		return nil, err
	}
	if r.Preimage != nil {
		var preimage [32]byte
		copy(preimage[:], r.Preimage)
		sc.Preimage = &preimage
	}

	return sc, nil
}

func parsePrivkey(raw []byte) (*btcec.PrivateKey, error) {
	if raw == nil {
		return nil, nil
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return priv, nil
}

func parsePubkey(raw []byte) (*btcec.PublicKey, error) {
	if raw == nil {
		return nil, nil
	}
	return btcec.ParsePubKey(raw)
}
