package chain

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

var (
	// ErrRejected is returned when the ledger refuses a transaction at
	// inclusion time. It is retryable after re-reading state.
	ErrRejected = errors.New("transaction rejected")

	// ErrMalformed is returned for transactions that can never be applied.
	ErrMalformed = errors.New("malformed transaction")

	// ErrClosed is returned once the chain has been shut down.
	ErrClosed = errors.New("chain closed")
)

// Record is a versioned value. Version 0 means the key does not exist;
// every accepted write bumps it by one.
type Record struct {
	Version uint64 `cbor:"1,keyasint"`
	Value   []byte `cbor:"2,keyasint"`
}

// Read asserts that Key is at Version when the transaction is included.
type Read struct {
	Key     []byte `cbor:"1,keyasint"`
	Version uint64 `cbor:"2,keyasint"`
}

// Write replaces the value at Key.
type Write struct {
	Key   []byte `cbor:"1,keyasint"`
	Value []byte `cbor:"2,keyasint"`
}

// Tx is a conditional write set. It applies atomically only if every
// Read still matches and the inclusion height lies in [MinHeight, Before).
// Every written key must also be read.
type Tx struct {
	Sender    string  `cbor:"1,keyasint"` // Sender is the submitting identity
	Kind      string  `cbor:"2,keyasint"` // Kind labels the operation for logs
	Reads     []Read  `cbor:"3,keyasint"`
	Writes    []Write `cbor:"4,keyasint"`
	MinHeight uint64  `cbor:"5,keyasint"` // MinHeight is inclusive, 0 means unbounded
	Before    uint64  `cbor:"6,keyasint"` // Before is exclusive, 0 means unbounded
	Nonce     uint64  `cbor:"7,keyasint"` // Nonce is assigned by the sequencer
}

// Receipt confirms inclusion of a transaction.
type Receipt struct {
	TxHash [32]byte // TxHash is blake3 over the canonical encoding
	Height uint64   // Height is the block the transaction was included in
	Index  uint32   // Index is the position within that block
}

// encMode is the canonical CBOR encoding shared by records and tx hashing.
var encMode = func() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}

	return em
}()

// Marshal encodes v with the canonical CBOR mode used by the ledger.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR produced by Marshal.
func Unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

// Hash returns the blake3 hash of the canonical encoding of tx.
func (tx *Tx) Hash() [32]byte {
	data, err := encMode.Marshal(tx)
	if err != nil {
		return [32]byte{}
	}

	return blake3.Sum256(data)
}

// validate checks structural rules that do not depend on ledger state.
func (tx *Tx) validate() error {
	if len(tx.Writes) == 0 {
		return fmt.Errorf("%w: no writes", ErrMalformed)
	}

	if tx.Before != 0 && tx.MinHeight >= tx.Before {
		return fmt.Errorf("%w: empty height window [%d, %d)", ErrMalformed, tx.MinHeight, tx.Before)
	}

	for _, w := range tx.Writes {
		if len(w.Key) == 0 {
			return fmt.Errorf("%w: empty key", ErrMalformed)
		}

		if !tx.reads(w.Key) {
			return fmt.Errorf("%w: write to %q without a version guard", ErrMalformed, w.Key)
		}
	}

	return nil
}

// reads reports whether key appears in the read set.
func (tx *Tx) reads(key []byte) bool {
	for _, r := range tx.Reads {
		if bytes.Equal(r.Key, key) {
			return true
		}
	}

	return false
}

// inWindow reports whether height satisfies the tx height guard.
func (tx *Tx) inWindow(height uint64) bool {
	if height < tx.MinHeight {
		return false
	}

	return tx.Before == 0 || height < tx.Before
}
