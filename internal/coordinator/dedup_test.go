package coordinator

import (
	"crypto/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/peterldowns/testy/check"
)

func TestDedupCheck(t *testing.T) {
	d := NewDedup(time.Minute)
	defer d.Close()

	msg := revealMessage{AuctionID: 1, BidID: 2, Key: []byte("key")}.encode()

	check.True(t, d.Check(msg))
	check.False(t, d.Check(msg))
	check.Equal(t, 1, d.Len())

	// A different bid with the same key is a different message.
	other := revealMessage{AuctionID: 1, BidID: 3, Key: []byte("key")}.encode()
	check.True(t, d.Check(other))
	check.Equal(t, 2, d.Len())
}

func TestDedupForget(t *testing.T) {
	d := NewDedup(time.Minute)
	defer d.Close()

	msg := []byte("reveal")

	check.True(t, d.Check(msg))
	d.Forget(msg)
	check.Equal(t, 0, d.Len())
	check.True(t, d.Check(msg))
}

func TestDedupExpires(t *testing.T) {
	d := NewDedup(20 * time.Millisecond)
	defer d.Close()

	msg := []byte("reveal")

	check.True(t, d.Check(msg))
	check.False(t, d.Check(msg))

	time.Sleep(40 * time.Millisecond)

	check.True(t, d.Check(msg))
}

func TestDedupConcurrentCheck(t *testing.T) {
	d := NewDedup(time.Minute)
	defer d.Close()

	msg := []byte("same message")

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
	)

	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.Check(msg) {
				accepted.Add(1)
			}
		}()
	}

	wg.Wait()

	check.Equal(t, int32(1), accepted.Load())
}

// BenchmarkDedupCheck benchmarks Check with new messages.
func BenchmarkDedupCheck(b *testing.B) {
	d := NewDedup(0)
	defer d.Close()

	messages := make([][]byte, b.N)
	for i := range messages {
		messages[i] = make([]byte, 112)
		rand.Read(messages[i])
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		d.Check(messages[i])
	}
}
