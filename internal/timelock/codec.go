// Package timelock encrypts data to a future block height and models the
// threshold network that releases the decryption key once that height is
// reached. The scheme is identity-based encryption over BLS12-381: the
// released key for height h is the network's BLS signature over h.
package timelock

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	blst "github.com/supranational/blst/bindings/go"
)

var (
	// ErrInvalidCondition is returned when the condition height is not
	// strictly after the height observed at encryption time.
	ErrInvalidCondition = errors.New("invalid condition height")

	// ErrDecryptFailure is returned for any ciphertext that cannot be
	// opened with the given key.
	ErrDecryptFailure = errors.New("decrypt failure")
)

// Codec encrypts to and decrypts from a network public key. It holds no
// mutable state.
type Codec struct {
	public *blst.P1Affine
	raw    []byte
	rand   io.Reader
}

// NewCodec creates a codec for the network public key.
func NewCodec(publicKey []byte) (*Codec, error) {
	pk, err := parsePublicKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("parse network key:\n%w", err)
	}

	raw := make([]byte, len(publicKey))
	copy(raw, publicKey)

	return &Codec{public: pk, raw: raw, rand: rand.Reader}, nil
}

// PublicKey returns the compressed network public key.
func (c *Codec) PublicKey() []byte {
	return c.raw
}

// Encrypt seals plaintext so it opens only with the key released at
// conditionHeight. observedHeight is the chain height the caller saw.
func (c *Codec) Encrypt(plaintext []byte, conditionHeight, observedHeight uint64) ([]byte, error) {
	if conditionHeight <= observedHeight {
		return nil, fmt.Errorf("%w: %d is not after current height %d", ErrInvalidCondition, conditionHeight, observedHeight)
	}

	u, key, err := encapsulate(c.public, conditionHeight, c.rand)
	if err != nil {
		return nil, fmt.Errorf("encapsulate:\n%w", err)
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return nil, fmt.Errorf("read nonce:\n%w", err)
	}

	payload := aead.Seal(nil, nonce, plaintext, additionalData(conditionHeight))

	return encodeEnvelope(envelope{
		height:  conditionHeight,
		u:       u,
		nonce:   nonce,
		payload: payload,
	}), nil
}

// Decrypt opens ciphertext with the key released for its condition height.
// Every failure, including a key for another height, is ErrDecryptFailure.
func (c *Codec) Decrypt(ciphertext, releasedKey []byte) ([]byte, error) {
	env, err := decodeEnvelope(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptFailure, err)
	}

	sig, err := verifyReleased(c.public, releasedKey, env.height)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptFailure, err)
	}

	key, err := decapsulate(env.u, sig, env.height)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptFailure, err)
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryptFailure, err)
	}

	plaintext, err := aead.Open(nil, env.nonce, env.payload, additionalData(env.height))
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryptFailure)
	}

	return plaintext, nil
}

// ConditionHeight returns the height a ciphertext is bound to without
// decrypting it.
func ConditionHeight(ciphertext []byte) (uint64, error) {
	env, err := decodeEnvelope(ciphertext)
	if err != nil {
		return 0, err
	}

	return env.height, nil
}

// newAEAD builds AES-256-GCM from a derived key.
func newAEAD(key [32]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher:\n%w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm:\n%w", err)
	}

	return aead, nil
}

// additionalData binds the GCM tag to the condition height.
func additionalData(height uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte("sealed-bid/timelock/v1"), height)
}

// ConditionHeight returns the height ciphertext is bound to.
func (c *Codec) ConditionHeight(ciphertext []byte) (uint64, error) {
	return ConditionHeight(ciphertext)
}
