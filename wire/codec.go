// Package wire implements the Taker<->Maker framed message protocol: a
// 4-byte big-endian length prefix followed by that many bytes of a
// CBOR-encoded tagged message (§4.3). This mirrors lnwire's job of framing
// and cataloguing typed peer messages, but uses CBOR rather than a custom
// binary codec.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// MaxMessageSize bounds the length prefix; a larger value is a protocol
// error rather than an attempt to allocate an oversized buffer.
const MaxMessageSize = 16 * 1024 * 1024

// ErrMessageTooLarge is returned by ReadMessage when the peer's length
// prefix exceeds MaxMessageSize.
var ErrMessageTooLarge = fmt.Errorf("wire: message exceeds %d bytes", MaxMessageSize)

// ErrZeroLength is returned by ReadMessage when the peer sends a zero-length
// frame, which this protocol treats as an immediate close rather than an
// empty message.
var ErrZeroLength = fmt.Errorf("wire: zero-length frame")

var ccborEncMode = func() cbor.EncMode {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// WriteMessage CBOR-encodes msg (which must be one of the Message
// implementations in this package) and writes it to w as a length-prefixed
// frame.
func WriteMessage(w io.Writer, msg Message) error {
	envelope, err := encodeEnvelope(msg)
	if err != nil {
		return err
	}

	payload, err := ccborEncMode.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("wire: encode %s: %w", msg.Method(), err)
	}
	if len(payload) > MaxMessageSize {
		return ErrMessageTooLarge
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(payload)))

	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadMessage blocks until a full length-prefixed frame has arrived on r,
// then decodes it into a concrete Message. An io.EOF reading the length
// prefix is returned unwrapped so callers can treat it as a normal close;
// a zero-length frame returns ErrZeroLength, which callers should treat the
// same way.
func ReadMessage(r io.Reader) (Message, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}

	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n == 0 {
		return nil, ErrZeroLength
	}
	if n > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	var envelope rawEnvelope
	if err := cbor.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("wire: decode envelope: %w", err)
	}
	return decodeEnvelope(envelope)
}
