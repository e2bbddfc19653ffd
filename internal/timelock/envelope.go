package timelock

import (
	"errors"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"github.com/rk-rishikesh/sealed-bid-auction/internal/types"
)

const (
	// envelopeVersion is the current ciphertext format version.
	envelopeVersion = 1

	// nonceSize is the AES-GCM nonce size.
	nonceSize = 12

	// tagSize is the AES-GCM authentication tag size.
	tagSize = 16
)

// ErrMalformedCiphertext is returned when bytes are not a ciphertext envelope.
var ErrMalformedCiphertext = errors.New("malformed ciphertext")

// envelope is the decoded form of types.Ciphertext.
type envelope struct {
	height  uint64
	u       []byte
	nonce   []byte
	payload []byte
}

// encodeEnvelope serializes e as a FlatBuffers Ciphertext.
func encodeEnvelope(e envelope) []byte {
	builder := flatbuffers.NewBuilder(128 + len(e.payload))

	uOffset := builder.CreateByteVector(e.u)
	nonceOffset := builder.CreateByteVector(e.nonce)
	payloadOffset := builder.CreateByteVector(e.payload)

	types.CiphertextStart(builder)
	types.CiphertextAddVersion(builder, envelopeVersion)
	types.CiphertextAddHeight(builder, e.height)
	types.CiphertextAddU(builder, uOffset)
	types.CiphertextAddNonce(builder, nonceOffset)
	types.CiphertextAddPayload(builder, payloadOffset)
	types.FinishCiphertextBuffer(builder, types.CiphertextEnd(builder))

	return builder.FinishedBytes()
}

// decodeEnvelope parses and bounds-checks a ciphertext envelope.
func decodeEnvelope(data []byte) (e envelope, err error) {
	if len(data) < 8 {
		return e, fmt.Errorf("%w: %d bytes", ErrMalformedCiphertext, len(data))
	}

	// Accessors index into data directly and panic on corrupt offsets.
	defer func() {
		if r := recover(); r != nil {
			e = envelope{}
			err = fmt.Errorf("%w: %v", ErrMalformedCiphertext, r)
		}
	}()

	ct := types.GetRootAsCiphertext(data, 0)

	if v := ct.Version(); v != envelopeVersion {
		return e, fmt.Errorf("%w: version %d", ErrMalformedCiphertext, v)
	}

	e = envelope{
		height:  ct.Height(),
		u:       ct.UBytes(),
		nonce:   ct.NonceBytes(),
		payload: ct.PayloadBytes(),
	}

	switch {
	case e.height == 0:
		return envelope{}, fmt.Errorf("%w: missing height", ErrMalformedCiphertext)
	case len(e.u) != PublicKeySize:
		return envelope{}, fmt.Errorf("%w: ephemeral point is %d bytes", ErrMalformedCiphertext, len(e.u))
	case len(e.nonce) != nonceSize:
		return envelope{}, fmt.Errorf("%w: nonce is %d bytes", ErrMalformedCiphertext, len(e.nonce))
	case len(e.payload) < tagSize:
		return envelope{}, fmt.Errorf("%w: payload is %d bytes", ErrMalformedCiphertext, len(e.payload))
	}

	return e, nil
}
