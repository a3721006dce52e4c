// Package crdt provides the opaque mergeable document primitive consumed by
// the document cache. A document is a grow-only set of opaque update blobs
// keyed by content hash; merging replicas is a set union, so concurrent
// merges are commutative and idempotent without central coordination.
//
// Callers that mutate the same Doc from multiple goroutines must serialize
// access themselves; the cache does this with a per-document mutex.
package crdt

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
)

type Doc struct {
	updates map[[sha256.Size]byte][]byte
}

func NewDoc() *Doc {
	return &Doc{updates: make(map[[sha256.Size]byte][]byte)}
}

// ApplyUpdate merges one update into the document and reports whether it was
// new. Re-applying a known update is a no-op.
func (d *Doc) ApplyUpdate(update []byte) bool {
	sum := sha256.Sum256(update)
	if _, ok := d.updates[sum]; ok {
		return false
	}
	buf := make([]byte, len(update))
	copy(buf, update)
	d.updates[sum] = buf
	return true
}

// EncodeState returns the canonical full-state encoding: every update,
// length-prefixed, ordered by content hash. Two replicas holding the same
// update set encode to identical bytes regardless of arrival order.
func (d *Doc) EncodeState() []byte {
	sums := make([][sha256.Size]byte, 0, len(d.updates))
	for sum := range d.updates {
		sums = append(sums, sum)
	}
	sort.Slice(sums, func(i, j int) bool {
		return bytes.Compare(sums[i][:], sums[j][:]) < 0
	})

	var out []byte
	var prefix [4]byte
	for _, sum := range sums {
		update := d.updates[sum]
		binary.BigEndian.PutUint32(prefix[:], uint32(len(update)))
		out = append(out, prefix[:]...)
		out = append(out, update...)
	}
	return out
}

// ApplyState merges a full-state encoding produced by EncodeState.
func (d *Doc) ApplyState(state []byte) error {
	for len(state) > 0 {
		if len(state) < 4 {
			return fmt.Errorf("truncated state: %d trailing bytes", len(state))
		}
		n := binary.BigEndian.Uint32(state[:4])
		state = state[4:]
		if uint64(len(state)) < uint64(n) {
			return fmt.Errorf("truncated update: want %d bytes, have %d", n, len(state))
		}
		d.ApplyUpdate(state[:n])
		state = state[n:]
	}
	return nil
}

// Len reports the number of distinct updates merged so far.
func (d *Doc) Len() int {
	return len(d.updates)
}
