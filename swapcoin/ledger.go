package swapcoin

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btclog"
	bolt "github.com/coreos/bbolt"

	"github.com/lightninglabs/teleport/build"
)

var log btclog.Logger = build.NewSubLogger("SWPC", nil)

// UseLogger wires a real backend-derived logger into this package.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// ErrNotFound is returned when a ledger lookup fails to find a record for
// the given multisig script.
var ErrNotFound = errors.New("swapcoin: no record for multisig script")

// Ledger is the durable artefact of a swap: a mapping from multisig script
// to Swapcoin. Per the "cyclic references" design note, the ledger is an
// independent store: the owning state machine is the single writer, while
// the watchtower and recovery coordinator take read-only snapshots.
//
// A Ledger opened with NewLedger is purely in-memory, correct across
// restarts only because the protocol tolerates an empty ledger (spec §3).
// A Ledger opened with OpenLedger additionally mirrors every Insert/Remove
// to a bbolt-backed Store, so a Maker or Taker process can reload its
// unfinished swaps after a crash or restart (spec §4.5) instead of losing
// track of them.
type Ledger struct {
	mu    sync.RWMutex
	byKey map[string]*Swapcoin
	store *Store
}

// NewLedger returns an empty, purely in-memory ledger.
func NewLedger() *Ledger {
	return &Ledger{byKey: make(map[string]*Swapcoin)}
}

// OpenLedger opens a bbolt-backed Store in db, loads every swapcoin record
// already persisted there, and returns a Ledger that keeps mirroring future
// Insert/Remove/ApplyPrivkey calls to it. Call this instead of NewLedger
// from a daemon's startup path to recover unfinished swaps across restarts.
func OpenLedger(db *bolt.DB) (*Ledger, error) {
	store, err := OpenStore(db)
	if err != nil {
		return nil, err
	}

	records, err := store.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("swapcoin: reload ledger: %w", err)
	}

	l := &Ledger{byKey: make(map[string]*Swapcoin, len(records)), store: store}
	for _, sc := range records {
		l.byKey[key(sc.MultisigScript)] = sc
	}
	return l, nil
}

func key(multisigScript []byte) string {
	return string(multisigScript)
}

// Insert adds or replaces the record for sc.MultisigScript. If this Ledger
// was opened with OpenLedger, the record is also mirrored to disk; a
// persistence failure is logged but does not block the in-memory insert,
// since the ledger itself is still the source of truth for the running
// process.
func (l *Ledger) Insert(sc *Swapcoin) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byKey[key(sc.MultisigScript)] = sc

	if l.store != nil {
		if err := l.store.Put(sc); err != nil {
			log.Warnf("swapcoin: persist %x: %v", sc.MultisigScript, err)
		}
	}
}

// Find looks up the swapcoin for a given multisig script.
func (l *Ledger) Find(multisigScript []byte) (*Swapcoin, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	sc, ok := l.byKey[key(multisigScript)]
	if !ok {
		return nil, ErrNotFound
	}
	return sc, nil
}

// Remove deletes the record for a given multisig script. It is a no-op if
// no such record exists. Mirrors to disk the same way Insert does.
func (l *Ledger) Remove(multisigScript []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byKey, key(multisigScript))

	if l.store != nil {
		if err := l.store.Delete(multisigScript); err != nil {
			log.Warnf("swapcoin: delete %x: %v", multisigScript, err)
		}
	}
}

// Len reports the number of swapcoins currently tracked.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byKey)
}

// Snapshot returns a read-only copy of every tracked swapcoin, safe for the
// watchtower and recovery coordinator to range over concurrently with
// ongoing ledger mutation.
func (l *Ledger) Snapshot() []*Swapcoin {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Swapcoin, 0, len(l.byKey))
	for _, sc := range l.byKey {
		out = append(out, sc)
	}
	return out
}

// FindByContractScript returns every swapcoin whose contract redeem script
// matches contractScript. Used by the watchtower, which observes contract
// outputs on chain and must map them back to ledger entries (§4.7).
func (l *Ledger) FindByContractScript(contractScript []byte) []*Swapcoin {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Swapcoin
	for _, sc := range l.byKey {
		if bytes.Equal(sc.ContractRedeemScript, contractScript) {
			out = append(out, sc)
		}
	}
	return out
}

// PendingCommitments returns every swapcoin that is not yet terminally
// resolved (see Swapcoin.IsPendingCommitment), i.e. the set the recovery
// coordinator must drive to completion after a restart or a fault.
func (l *Ledger) PendingCommitments() []*Swapcoin {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Swapcoin
	for _, sc := range l.byKey {
		if sc.IsPendingCommitment() {
			out = append(out, sc)
		}
	}
	return out
}

// ApplyPrivkey looks up the swapcoin for multisigScript and applies sk to
// it, returning ErrNotFound if no such swapcoin is tracked. The updated
// record is re-persisted the same way Insert persists a new one.
func (l *Ledger) ApplyPrivkey(multisigScript []byte, sk *btcec.PrivateKey) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sc, ok := l.byKey[key(multisigScript)]
	if !ok {
		return ErrNotFound
	}
	if err := sc.ApplyPrivkey(sk); err != nil {
		return err
	}

	if l.store != nil {
		if err := l.store.Put(sc); err != nil {
			log.Warnf("swapcoin: persist %x: %v", sc.MultisigScript, err)
		}
	}
	return nil
}
