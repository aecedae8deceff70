// Package offerbook implements the Taker's cache of known Makers: three
// disjoint sets (untried, good, bad) over OfferAndAddress, plus the
// selection and directory-sync routines the Taker's state machine drives
// (spec §4.6).
package offerbook

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightninglabs/teleport/tprpc"
	"github.com/lightninglabs/teleport/wire"
)

// OfferAndAddress pairs a Maker's advertised Offer with the network
// address it was fetched from.
type OfferAndAddress struct {
	Offer   wire.Offer
	Address string
}

// TweakablePubkey parses the Offer's advertised long-lived pubkey.
func (oa OfferAndAddress) TweakablePubkey() (*btcec.PublicKey, error) {
	return btcec.ParsePubKey(oa.Offer.TweakablePoint)
}

// Fetcher dials a Maker address and requests its current Offer. Production
// callers satisfy this with a real wire.ReadMessage/WriteMessage exchange
// over a transport connection; tests use an in-memory stub.
type Fetcher interface {
	FetchOffer(ctx context.Context, address string) (wire.Offer, error)
}

// Book is the Taker's three-set Maker cache (spec §4.6). A Maker moves
// untried -> good on successful use in a swap, untried -> bad on any
// protocol violation or timeout, and never bad -> anything else.
type Book struct {
	mu      sync.Mutex
	untried map[string]OfferAndAddress
	good    map[string]OfferAndAddress
	bad     map[string]OfferAndAddress

	verifier tprpc.FidelityVerifier
}

// New returns an empty Book. verifier is consulted during SyncOfferbook to
// filter out Makers whose fidelity proof doesn't verify; pass
// tprpc.NullVerifier{} to skip bond checking entirely.
func New(verifier tprpc.FidelityVerifier) *Book {
	if verifier == nil {
		verifier = tprpc.NullVerifier{}
	}
	return &Book{
		untried:  make(map[string]OfferAndAddress),
		good:     make(map[string]OfferAndAddress),
		bad:      make(map[string]OfferAndAddress),
		verifier: verifier,
	}
}

// GetAllUntried returns every address currently in the untried set:
// all - good - bad, per spec §4.6.
func (b *Book) GetAllUntried() []OfferAndAddress {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]OfferAndAddress, 0, len(b.untried))
	for _, oa := range b.untried {
		out = append(out, oa)
	}
	return out
}

// MarkGood moves address from untried to good. It is a no-op if address is
// not currently untried (e.g. it's already good, or was never added).
func (b *Book) MarkGood(address string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if oa, ok := b.untried[address]; ok {
		delete(b.untried, address)
		b.good[address] = oa
	}
}

// MarkBad moves address from untried (or good) to bad. Once bad, an
// address never returns to untried or good.
func (b *Book) MarkBad(address string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if oa, ok := b.untried[address]; ok {
		delete(b.untried, address)
		b.bad[address] = oa
		return
	}
	if oa, ok := b.good[address]; ok {
		delete(b.good, address)
		b.bad[address] = oa
	}
}

// IsBad reports whether address has been marked bad.
func (b *Book) IsBad(address string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.bad[address]
	return ok
}

// ChooseNextMaker pops candidates in order until one satisfies
// min_size <= amount <= max_size, returning it and the remainder of the
// slice with the chosen (and any skipped) entries removed. It returns
// ok=false if candidates is exhausted without a match (spec §4.6).
func ChooseNextMaker(candidates []OfferAndAddress, amount int64) (chosen OfferAndAddress, rest []OfferAndAddress, ok bool) {
	for i, oa := range candidates {
		if amount >= oa.Offer.MinSize && amount <= oa.Offer.MaxSize {
			rest = make([]OfferAndAddress, 0, len(candidates)-i-1)
			rest = append(rest, candidates[i+1:]...)
			return oa, rest, true
		}
	}
	return OfferAndAddress{}, nil, false
}

// DirectoryLister lists every address currently known to a directory
// service (the GET all_addresses call of spec §6.3).
type DirectoryLister interface {
	ListAddresses(ctx context.Context) ([]string, error)
}

// SyncOfferbook downloads an Offer from every address the directory knows
// about, in parallel, skips addresses already marked bad, verifies each
// survivor's fidelity proof, and adds those not already good to untried
// (spec §4.6). It returns the number of offers newly added.
func (b *Book) SyncOfferbook(ctx context.Context, dir DirectoryLister, fetcher Fetcher) (int, error) {
	addresses, err := dir.ListAddresses(ctx)
	if err != nil {
		return 0, fmt.Errorf("offerbook: list directory addresses: %w", err)
	}

	type result struct {
		address string
		offer   wire.Offer
		err     error
	}

	results := make(chan result, len(addresses))
	var wg sync.WaitGroup

	for _, address := range addresses {
		if b.IsBad(address) {
			continue
		}

		wg.Add(1)
		go func(address string) {
			defer wg.Done()
			offer, err := fetcher.FetchOffer(ctx, address)
			results <- result{address: address, offer: offer, err: err}
		}(address)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	added := 0
	for res := range results {
		if res.err != nil {
			continue
		}

		oa := OfferAndAddress{Offer: res.offer, Address: res.address}
		pubkey, err := oa.TweakablePubkey()
		if err != nil {
			continue
		}
		if err := b.verifier.VerifyProof(res.offer.FidelityProof, pubkey); err != nil {
			continue
		}

		b.mu.Lock()
		_, isBad := b.bad[res.address]
		_, isGood := b.good[res.address]
		if !isBad && !isGood {
			if _, known := b.untried[res.address]; !known {
				added++
			}
			b.untried[res.address] = oa
		}
		b.mu.Unlock()
	}

	return added, nil
}
