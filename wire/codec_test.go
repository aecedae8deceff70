package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestWriteReadRoundTrip exercises framing plus CBOR round trip for a
// representative message from each direction.
func TestWriteReadRoundTrip(t *testing.T) {
	t.Parallel()

	msgs := []Message{
		&TakerHello{MinVersion: 1, MaxVersion: 2},
		&MakerHello{MinVersion: 1, MaxVersion: 3},
		&GiveOffer{},
		&Offer{
			MinSize: 10_000, MaxSize: 1_000_000, BaseFee: 500,
			AmountRelativeFee: 0.001,
			TweakablePoint:    []byte{0x02, 0x03, 0x04},
			FidelityProof:     []byte{0xAA, 0xBB},
		},
		&HashPreimage{Preimage: [32]byte{1, 2, 3}},
		&PrivateKeyHandover{MultisigScript: []byte{0x01}, Privkey: []byte{0x02, 0x03}},
		&ReqContractSigsForSender{
			TxsInfo: []FundingTxSigReq{
				{MultisigScript: []byte{0x10}, FundingAmount: 12345},
			},
		},
	}

	for _, want := range msgs {
		var buf bytes.Buffer
		require.NoError(t, WriteMessage(&buf, want))

		got, err := ReadMessage(&buf)
		require.NoError(t, err)
		require.Equal(t, want.Method(), got.Method())
		require.Equal(t, want, got)
	}
}

// TestReadMessageEOF checks that an immediate close (no bytes at all)
// surfaces as io.EOF, per §4.3's framing rule.
func TestReadMessageEOF(t *testing.T) {
	t.Parallel()

	_, err := ReadMessage(bytes.NewReader(nil))
	require.ErrorIs(t, err, io.EOF)
}

// TestReadMessageZeroLength checks the zero-length-frame-as-close rule.
func TestReadMessageZeroLength(t *testing.T) {
	t.Parallel()

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], 0)

	_, err := ReadMessage(bytes.NewReader(lenPrefix[:]))
	require.ErrorIs(t, err, ErrZeroLength)
}

// TestReadMessageOversized checks the > 16 MiB protocol-error rule.
func TestReadMessageOversized(t *testing.T) {
	t.Parallel()

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], MaxMessageSize+1)

	_, err := ReadMessage(bytes.NewReader(lenPrefix[:]))
	require.ErrorIs(t, err, ErrMessageTooLarge)
}

// TestReadMessageUnknownMethod checks that an envelope naming an
// unrecognised method is rejected rather than silently ignored.
func TestReadMessageUnknownMethod(t *testing.T) {
	t.Parallel()

	env := rawEnvelope{Method: "bogus", Payload: []byte{0xA0}}
	payload, err := ccborEncMode.Marshal(env)
	require.NoError(t, err)

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(payload)))

	var buf bytes.Buffer
	buf.Write(lenPrefix[:])
	buf.Write(payload)

	_, err = ReadMessage(&buf)
	require.Error(t, err)
}
