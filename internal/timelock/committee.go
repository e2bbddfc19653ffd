package timelock

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"
)

// SeedSize is the size of a committee seed.
const SeedSize = 32

// signer is one committee member's key share.
type signer struct {
	secret *blst.SecretKey // secret is the private key
	public *blst.P1Affine  // public is the public key
}

// Committee is the set of signers whose aggregated signature over a height
// is the released key. The network public key is the aggregate of their
// public keys, so every member must sign.
type Committee struct {
	signers []*signer
	public  *blst.P1Affine
}

// GenerateSeed returns a random committee seed.
func GenerateSeed() ([]byte, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate random seed:\n%w", err)
	}

	return seed, nil
}

// NewCommittee derives size signers from seed. Member i uses
// BLAKE3("sealed-bid/committee" || seed || i) as key material.
func NewCommittee(seed []byte, size int) (*Committee, error) {
	if len(seed) < SeedSize {
		return nil, fmt.Errorf("seed must be at least %d bytes", SeedSize)
	}

	if size < 1 {
		return nil, fmt.Errorf("committee needs at least one signer")
	}

	c := &Committee{signers: make([]*signer, size)}
	publics := make([]*blst.P1Affine, size)

	for i := range size {
		h := blake3.New()
		h.Write([]byte("sealed-bid/committee"))
		h.Write(seed)

		var idx [4]byte
		binary.BigEndian.PutUint32(idx[:], uint32(i))
		h.Write(idx[:])

		var ikm [32]byte
		h.Sum(ikm[:0])

		secret := blst.KeyGen(ikm[:])
		if secret == nil {
			return nil, fmt.Errorf("derive signer %d", i)
		}

		public := new(blst.P1Affine).From(secret)
		c.signers[i] = &signer{secret: secret, public: public}
		publics[i] = public
	}

	agg := new(blst.P1Aggregate)
	if !agg.Aggregate(publics, false) {
		return nil, fmt.Errorf("aggregate committee public keys")
	}

	c.public = agg.ToAffine()

	return c, nil
}

// Size returns the number of signers.
func (c *Committee) Size() int {
	return len(c.signers)
}

// PublicKey returns the compressed aggregate public key.
func (c *Committee) PublicKey() []byte {
	return c.public.Compress()
}

// Release produces the key for height: every signer signs the height and
// the signatures are aggregated and checked against the network key.
func (c *Committee) Release(height uint64) ([]byte, error) {
	msg := heightMessage(height)
	sigs := make([]*blst.P2Affine, len(c.signers))

	for i, s := range c.signers {
		sigs[i] = new(blst.P2Affine).Sign(s.secret, msg, heightDST)
	}

	agg := new(blst.P2Aggregate)
	if !agg.Aggregate(sigs, false) {
		return nil, fmt.Errorf("signature aggregation failed")
	}

	key := agg.ToAffine().Compress()

	if _, err := verifyReleased(c.public, key, height); err != nil {
		return nil, fmt.Errorf("verify aggregated key:\n%w", err)
	}

	return key, nil
}
