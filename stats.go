package zstream

import "sync/atomic"

// Stats counts bytes moving through the adapter in both directions.
// Total counters track plaintext as seen by the caller, compressed
// counters track bytes exchanged with the next layer. All counters are
// monotonic and safe for concurrent use.
type Stats struct {
	txBytesTotal      atomic.Uint64
	txBytesCompressed atomic.Uint64
	rxBytesTotal      atomic.Uint64
	rxBytesCompressed atomic.Uint64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	TxBytesTotal      uint64
	TxBytesCompressed uint64
	RxBytesTotal      uint64
	RxBytesCompressed uint64
}

// TxBytesTotal is the number of plaintext bytes accepted by write
// operations.
func (s *Stats) TxBytesTotal() uint64 { return s.txBytesTotal.Load() }

// TxBytesCompressed is the number of compressed bytes handed to the next
// layer.
func (s *Stats) TxBytesCompressed() uint64 { return s.txBytesCompressed.Load() }

// RxBytesTotal is the number of plaintext bytes delivered to read
// callers. More bytes may be buffered inside the decoder.
func (s *Stats) RxBytesTotal() uint64 { return s.rxBytesTotal.Load() }

// RxBytesCompressed is the number of compressed bytes pulled from the
// next layer.
func (s *Stats) RxBytesCompressed() uint64 { return s.rxBytesCompressed.Load() }

// Load returns a snapshot of all four counters.
func (s *Stats) Load() Snapshot {
	return Snapshot{
		TxBytesTotal:      s.txBytesTotal.Load(),
		TxBytesCompressed: s.txBytesCompressed.Load(),
		RxBytesTotal:      s.rxBytesTotal.Load(),
		RxBytesCompressed: s.rxBytesCompressed.Load(),
	}
}

// Reset zeroes all counters and returns the values they held. Each
// counter is swapped atomically; the snapshot is not atomic across
// counters.
func (s *Stats) Reset() Snapshot {
	return Snapshot{
		TxBytesTotal:      s.txBytesTotal.Swap(0),
		TxBytesCompressed: s.txBytesCompressed.Swap(0),
		RxBytesTotal:      s.rxBytesTotal.Swap(0),
		RxBytesCompressed: s.rxBytesCompressed.Swap(0),
	}
}
