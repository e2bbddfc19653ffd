package timelock

import (
	"encoding/binary"
	"fmt"
	"io"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"
)

const (
	// PublicKeySize is the size of a compressed network public key (G1).
	PublicKeySize = 48

	// KeySize is the size of a compressed released key (G2).
	KeySize = 96
)

// heightDST is the domain separation tag for height signatures.
var heightDST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// heightTag prefixes the message a released key signs.
var heightTag = []byte("sealed-bid/timelock/height:")

// kdfTag separates the symmetric key derivation from other blake3 uses.
var kdfTag = []byte("sealed-bid/timelock/kdf")

// heightMessage is the identity a ciphertext for height h is encrypted to.
func heightMessage(h uint64) []byte {
	msg := make([]byte, 0, len(heightTag)+8)
	msg = append(msg, heightTag...)

	return binary.BigEndian.AppendUint64(msg, h)
}

// encapsulate draws r and returns U = r*G1 with the symmetric key derived
// from e(r*H(h), P). Only the holder of s*H(h) can recompute it from U.
func encapsulate(public *blst.P1Affine, height uint64, rnd io.Reader) ([]byte, [32]byte, error) {
	var ikm [32]byte
	if _, err := io.ReadFull(rnd, ikm[:]); err != nil {
		return nil, [32]byte{}, fmt.Errorf("read randomness:\n%w", err)
	}

	r := blst.KeyGen(ikm[:])
	if r == nil {
		return nil, [32]byte{}, fmt.Errorf("derive ephemeral scalar")
	}

	u := blst.P1Generator().Mult(r).ToAffine()
	q := blst.HashToG2(heightMessage(height), heightDST).Mult(r).ToAffine()

	gt := blst.Fp12MillerLoop(q, public)
	gt.FinalExp()

	return u.Compress(), deriveKey(gt, height), nil
}

// decapsulate recomputes the symmetric key as e(s*H(h), U).
func decapsulate(uBytes []byte, released *blst.P2Affine, height uint64) ([32]byte, error) {
	u := new(blst.P1Affine).Uncompress(uBytes)
	if u == nil || !u.InG1() {
		return [32]byte{}, fmt.Errorf("invalid ephemeral point")
	}

	gt := blst.Fp12MillerLoop(released, u)
	gt.FinalExp()

	return deriveKey(gt, height), nil
}

// deriveKey hashes a pairing result and the height into an AES-256 key.
func deriveKey(gt *blst.Fp12, height uint64) [32]byte {
	h := blake3.New()
	h.Write(kdfTag)
	h.Write(gt.ToBendian())

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], height)
	h.Write(buf[:])

	var key [32]byte
	h.Sum(key[:0])

	return key
}

// parsePublicKey decompresses and validates a network public key.
func parsePublicKey(b []byte) (*blst.P1Affine, error) {
	if len(b) != PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", PublicKeySize, len(b))
	}

	pk := new(blst.P1Affine).Uncompress(b)
	if pk == nil || !pk.KeyValidate() {
		return nil, fmt.Errorf("invalid public key")
	}

	return pk, nil
}

// verifyReleased checks that key is the network's signature over height.
func verifyReleased(public *blst.P1Affine, key []byte, height uint64) (*blst.P2Affine, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("released key must be %d bytes, got %d", KeySize, len(key))
	}

	sig := new(blst.P2Affine).Uncompress(key)
	if sig == nil {
		return nil, fmt.Errorf("released key is not a curve point")
	}

	if !sig.Verify(true, public, false, heightMessage(height), heightDST) {
		return nil, fmt.Errorf("released key does not match height %d", height)
	}

	return sig, nil
}
