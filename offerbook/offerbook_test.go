package offerbook

import (
	"context"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightninglabs/teleport/tprpc"
	"github.com/lightninglabs/teleport/wire"
	"github.com/stretchr/testify/require"
)

func testTweakablePoint(t *testing.T) []byte {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return priv.PubKey().SerializeCompressed()
}

// TestMarkGoodMarkBad exercises the untried/good/bad set transitions and
// the "never bad -> anything" rule.
func TestMarkGoodMarkBad(t *testing.T) {
	t.Parallel()

	b := New(tprpc.NullVerifier{})
	b.untried["maker-a"] = OfferAndAddress{Address: "maker-a"}
	b.untried["maker-b"] = OfferAndAddress{Address: "maker-b"}

	b.MarkGood("maker-a")
	require.Len(t, b.GetAllUntried(), 1)
	require.Contains(t, b.good, "maker-a")

	b.MarkBad("maker-b")
	require.Empty(t, b.GetAllUntried())
	require.True(t, b.IsBad("maker-b"))

	// Once good, a later MarkBad still moves it to bad (protocol
	// violation after prior successful use), and it must never move
	// back out of bad.
	b.MarkBad("maker-a")
	require.True(t, b.IsBad("maker-a"))
	b.MarkGood("maker-a")
	require.True(t, b.IsBad("maker-a"))
	require.NotContains(t, b.good, "maker-a")
}

// TestChooseNextMaker exercises the amount-range selection rule of §4.6.
func TestChooseNextMaker(t *testing.T) {
	t.Parallel()

	candidates := []OfferAndAddress{
		{Address: "small", Offer: wire.Offer{MinSize: 1, MaxSize: 1_000}},
		{Address: "mid", Offer: wire.Offer{MinSize: 10_000, MaxSize: 100_000}},
		{Address: "large", Offer: wire.Offer{MinSize: 1_000_000, MaxSize: 10_000_000}},
	}

	chosen, rest, ok := ChooseNextMaker(candidates, 50_000)
	require.True(t, ok)
	require.Equal(t, "mid", chosen.Address)
	require.Len(t, rest, 1)

	_, _, ok = ChooseNextMaker(candidates, 500)
	require.True(t, ok)

	_, _, ok = ChooseNextMaker(candidates, 99_999_999)
	require.False(t, ok)
}

type fakeDirectory struct {
	addresses []string
}

func (f fakeDirectory) ListAddresses(context.Context) ([]string, error) {
	return f.addresses, nil
}

type fakeFetcher struct {
	offers map[string]wire.Offer
}

func (f fakeFetcher) FetchOffer(_ context.Context, address string) (wire.Offer, error) {
	offer, ok := f.offers[address]
	if !ok {
		return wire.Offer{}, fmt.Errorf("no offer for %s", address)
	}
	return offer, nil
}

// TestSyncOfferbook exercises the directory-fetch-filter-add pipeline,
// including that addresses already marked bad are skipped.
func TestSyncOfferbook(t *testing.T) {
	t.Parallel()

	b := New(tprpc.NullVerifier{})
	b.bad["maker-bad"] = OfferAndAddress{Address: "maker-bad"}

	dir := fakeDirectory{addresses: []string{"maker-a", "maker-bad", "maker-unreachable"}}
	fetcher := fakeFetcher{offers: map[string]wire.Offer{
		"maker-a": {MinSize: 1, MaxSize: 1_000_000, TweakablePoint: testTweakablePoint(t)},
	}}

	added, err := b.SyncOfferbook(context.Background(), dir, fetcher)
	require.NoError(t, err)
	require.Equal(t, 1, added)

	untried := b.GetAllUntried()
	require.Len(t, untried, 1)
	require.Equal(t, "maker-a", untried[0].Address)
}

// TestSyncOfferbookRejectsBadFidelityProof checks that a Maker whose
// fidelity proof fails verification is not added.
func TestSyncOfferbookRejectsBadFidelityProof(t *testing.T) {
	t.Parallel()

	b := New(rejectAllVerifier{})
	dir := fakeDirectory{addresses: []string{"maker-a"}}
	fetcher := fakeFetcher{offers: map[string]wire.Offer{
		"maker-a": {MinSize: 1, MaxSize: 1_000_000, TweakablePoint: testTweakablePoint(t)},
	}}

	added, err := b.SyncOfferbook(context.Background(), dir, fetcher)
	require.NoError(t, err)
	require.Equal(t, 0, added)
	require.Empty(t, b.GetAllUntried())
}

type rejectAllVerifier struct{}

func (rejectAllVerifier) VerifyProof(tprpc.FidelityProof, *btcec.PublicKey) error {
	return fmt.Errorf("fidelity proof rejected")
}
