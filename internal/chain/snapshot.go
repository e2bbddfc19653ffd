package chain

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/rk-rishikesh/sealed-bid-auction/internal/storage"
)

// snapshotVersion is the current snapshot format version.
const snapshotVersion = 1

// ErrChecksum is returned when a snapshot does not match its checksum.
var ErrChecksum = errors.New("snapshot checksum mismatch")

// snapshot is the full ledger state at one height.
type snapshot struct {
	Version  uint32          `cbor:"1,keyasint"`
	Head     head            `cbor:"2,keyasint"`
	Entries  []snapshotEntry `cbor:"3,keyasint"` // Entries are sorted by key
	Checksum []byte          `cbor:"4,keyasint"`
}

// snapshotEntry is one record in a snapshot.
type snapshotEntry struct {
	Key     []byte `cbor:"1,keyasint"`
	Version uint64 `cbor:"2,keyasint"`
	Value   []byte `cbor:"3,keyasint"`
}

// ExportSnapshot writes every record and the chain tip to w, zstd-compressed.
// It runs on the sequencer so the snapshot is a consistent cut.
func (c *Chain) ExportSnapshot(ctx context.Context, w io.Writer) (uint64, error) {
	var snap snapshot

	err := c.exclusive(ctx, func() error {
		c.mu.RLock()
		snap.Head = c.head
		c.mu.RUnlock()

		return c.Scan(nil, func(key []byte, rec Record) error {
			snap.Entries = append(snap.Entries, snapshotEntry{
				Key:     key,
				Version: rec.Version,
				Value:   bytes.Clone(rec.Value),
			})
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("collect records:\n%w", err)
	}

	snap.Version = snapshotVersion
	sum := computeChecksum(snap.Version, snap.Head, snap.Entries)
	snap.Checksum = sum[:]

	data, err := Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("encode snapshot:\n%w", err)
	}

	compressed, err := compress(data)
	if err != nil {
		return 0, err
	}

	if _, err := w.Write(compressed); err != nil {
		return 0, fmt.Errorf("write snapshot:\n%w", err)
	}

	return snap.Head.Height, nil
}

// ImportSnapshot loads a snapshot produced by ExportSnapshot into an
// empty ledger and returns the restored height.
func (c *Chain) ImportSnapshot(ctx context.Context, r io.Reader) (uint64, error) {
	compressed, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("read snapshot:\n%w", err)
	}

	data, err := decompress(compressed)
	if err != nil {
		return 0, err
	}

	var snap snapshot
	if err := Unmarshal(data, &snap); err != nil {
		return 0, fmt.Errorf("decode snapshot:\n%w", err)
	}

	if snap.Version != snapshotVersion {
		return 0, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}

	sum := computeChecksum(snap.Version, snap.Head, snap.Entries)
	if !bytes.Equal(sum[:], snap.Checksum) {
		return 0, ErrChecksum
	}

	err = c.exclusive(ctx, func() error {
		empty := true
		if err := c.Scan(nil, func([]byte, Record) error {
			empty = false
			return io.EOF
		}); err != nil && !errors.Is(err, io.EOF) {
			return err
		}

		if !empty || c.CurrentHeight() != 0 {
			return fmt.Errorf("ledger is not empty")
		}

		pairs := make([]storage.KeyValue, 0, len(snap.Entries)+1)

		for _, e := range snap.Entries {
			rec, err := Marshal(Record{Version: e.Version, Value: e.Value})
			if err != nil {
				return err
			}

			pairs = append(pairs, storage.KeyValue{Key: stateKey(e.Key), Value: rec})
		}

		headData, err := Marshal(snap.Head)
		if err != nil {
			return err
		}

		pairs = append(pairs, storage.KeyValue{Key: keyHead, Value: headData})

		if err := c.db.SetBatch(pairs); err != nil {
			return err
		}

		c.mu.Lock()
		c.head = snap.Head
		c.mu.Unlock()

		c.index = 0

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("apply snapshot:\n%w", err)
	}

	c.notify(snap.Head.Height)

	return snap.Head.Height, nil
}

// computeChecksum hashes the canonical snapshot content.
// Format: version (4 bytes) + height (8) + nonce (8) + per entry
// key len (4) + key + version (8) + value len (4) + value.
func computeChecksum(version uint32, h head, entries []snapshotEntry) [32]byte {
	hasher := blake3.New()

	var buf [8]byte
	binary.BigEndian.PutUint32(buf[:4], version)
	hasher.Write(buf[:4])

	binary.BigEndian.PutUint64(buf[:], h.Height)
	hasher.Write(buf[:])

	binary.BigEndian.PutUint64(buf[:], h.Nonce)
	hasher.Write(buf[:])

	for _, e := range entries {
		binary.BigEndian.PutUint32(buf[:4], uint32(len(e.Key)))
		hasher.Write(buf[:4])
		hasher.Write(e.Key)

		binary.BigEndian.PutUint64(buf[:], e.Version)
		hasher.Write(buf[:])

		binary.BigEndian.PutUint32(buf[:4], uint32(len(e.Value)))
		hasher.Write(buf[:4])
		hasher.Write(e.Value)
	}

	var sum [32]byte
	hasher.Sum(sum[:0])

	return sum
}

// compress compresses snapshot data using zstd.
func compress(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll(data, nil), nil
}

// decompress decompresses zstd-compressed snapshot data.
func decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}
	defer decoder.Close()

	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot:\n%w", err)
	}

	return out, nil
}
