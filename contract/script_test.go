package contract

import (
	"crypto/rand"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

func randKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return priv
}

func randHash160() [Hash160Size]byte {
	var h [Hash160Size]byte
	rand.Read(h[:])
	return h
}

// TestParseContractRoundTrip exercises invariant I1: parsing the output of
// BuildContractScript recovers the exact input parameters.
func TestParseContractRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []int64{1, 20, 144, 4032, 65535}
	for _, locktime := range cases {
		hashPriv := randKey(t)
		timePriv := randKey(t)
		hashvalue := randHash160()

		script, err := BuildContractScript(
			hashPriv.PubKey(), timePriv.PubKey(), hashvalue, locktime,
		)
		require.NoError(t, err)

		parsed, err := ParseContract(script)
		require.NoError(t, err)

		require.True(t, hashPriv.PubKey().IsEqual(parsed.HashPubkey))
		require.True(t, timePriv.PubKey().IsEqual(parsed.TimePubkey))
		require.Equal(t, hashvalue, parsed.Hashvalue)
		require.Equal(t, locktime, parsed.Locktime)
	}
}

// TestParseContractRejectsGarbage ensures a script that doesn't follow the
// canonical template is rejected rather than silently misparsed.
func TestParseContractRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := ParseContract([]byte{0x51, 0x52, 0x53})
	require.Error(t, err)

	hashPriv := randKey(t)
	timePriv := randKey(t)
	script, err := BuildContractScript(
		hashPriv.PubKey(), timePriv.PubKey(), randHash160(), 50,
	)
	require.NoError(t, err)

	// Truncating the script by one byte must fail outright.
	truncated := script[:len(script)-1]
	_, err = ParseContract(truncated)
	require.Error(t, err)
}

// TestBuildContractScriptRejectsNonPositiveLocktime checks the
// ErrLocktimeTooShort boundary.
func TestBuildContractScriptRejectsNonPositiveLocktime(t *testing.T) {
	t.Parallel()

	hashPriv := randKey(t)
	timePriv := randKey(t)

	_, err := BuildContractScript(
		hashPriv.PubKey(), timePriv.PubKey(), randHash160(), 0,
	)
	require.ErrorIs(t, err, ErrLocktimeTooShort)
}

// TestMultisigScriptCanonicalOrder exercises invariant I2: the funding
// script is independent of argument order.
func TestMultisigScriptCanonicalOrder(t *testing.T) {
	t.Parallel()

	a := randKey(t)
	b := randKey(t)

	s1, err := BuildMultisigScript(a.PubKey(), b.PubKey())
	require.NoError(t, err)
	s2, err := BuildMultisigScript(b.PubKey(), a.PubKey())
	require.NoError(t, err)

	require.Equal(t, s1, s2)
}

// TestP2WSHShape checks the witness program shape: OP_0 push, 32-byte hash.
func TestP2WSHShape(t *testing.T) {
	t.Parallel()

	a := randKey(t)
	b := randKey(t)
	script, err := BuildMultisigScript(a.PubKey(), b.PubKey())
	require.NoError(t, err)

	pkScript, err := P2WSH(script)
	require.NoError(t, err)

	require.Len(t, pkScript, 2+32)
	require.Equal(t, byte(0x00), pkScript[0])
	require.Equal(t, byte(0x20), pkScript[1])
}
