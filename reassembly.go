// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package udprpc

import (
	"bytes"
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/value"
)

// A Reassembler collects fragments received from peers and reconstructs the
// messages they carry. Fragments are grouped into buckets by the pair of the
// sending peer address and the conversation ID.
//
// A Reassembler is not safe for concurrent use without external
// synchronization.
type Reassembler struct {
	maxSize int
	buckets map[bucketKey]*bucket
}

type bucketKey struct {
	peer string
	conv byte
}

type bucket struct {
	frags   []Fragment         // in arrival order
	seen    mapset.Set[uint32] // sequence numbers present in frags
	last    int64              // sequence number of the last fragment, or -1
	size    int                // total body bytes buffered
	updated time.Time          // when the last fragment was added
}

// NewReassembler constructs an empty Reassembler. If maxSize > 0, a message
// whose buffered bodies would exceed maxSize bytes is discarded.
func NewReassembler(maxSize int) *Reassembler {
	return &Reassembler{maxSize: maxSize, buckets: make(map[bucketKey]*bucket)}
}

// Len reports the number of incomplete messages buffered.
func (r *Reassembler) Len() int { return len(r.buckets) }

// Put adds f to the bucket for (peer, f.Conversation), creating the bucket if
// necessary. The fragment body is copied.
//
// A fragment identical to one already present is ignored. A fragment that
// cannot belong to the buffered message, because it differs from a fragment
// with the same sequence number or contradicts the position of the last
// fragment, means the peer has reused the conversation ID: the buffered
// fragments are discarded and f begins a new message.
//
// Put reports ErrChecksumMismatch for a non-last fragment whose body does not
// match its checksum, which leaves the bucket unchanged, and
// ErrPayloadTooLarge if the message grows beyond the size limit, which
// discards the bucket.
func (r *Reassembler) Put(peer string, f Fragment) error {
	if !f.Last && Checksum(f.Body) != f.Checksum {
		return fmt.Errorf("fragment %d from %s: %w", f.Sequence, peer, ErrChecksumMismatch)
	}
	key := bucketKey{peer: peer, conv: f.Conversation & MaxConversationID}
	b, ok := r.buckets[key]
	if !ok || b.stale(f) {
		b = &bucket{seen: mapset.New[uint32](), last: -1}
		r.buckets[key] = b
	}
	if b.seen.Has(f.Sequence) {
		return nil // duplicate
	}

	if r.maxSize > 0 && b.size+len(f.Body) > r.maxSize {
		delete(r.buckets, key)
		return fmt.Errorf("message from %s exceeds %d bytes: %w", peer, r.maxSize, ErrPayloadTooLarge)
	}

	f.Body = bytes.Clone(f.Body)
	b.frags = append(b.frags, f)
	b.seen.Add(f.Sequence)
	b.size += len(f.Body)
	b.updated = time.Now()
	if f.Last {
		b.last = int64(f.Sequence)
	}
	return nil
}

// stale reports whether f cannot be part of the message buffered in b.
func (b *bucket) stale(f Fragment) bool {
	if b.seen.Has(f.Sequence) {
		i := slices.IndexFunc(b.frags, func(g Fragment) bool { return g.Sequence == f.Sequence })
		g := b.frags[i]
		return g.Last != f.Last || g.Checksum != f.Checksum || !bytes.Equal(g.Body, f.Body)
	}
	seq := int64(f.Sequence)
	switch {
	case f.Last && b.last >= 0:
		return true // a second last fragment
	case f.Last && b.maxSeq() > seq:
		return true // the last fragment precedes one already present
	case !f.Last && b.last >= 0 && seq > b.last:
		return true // a fragment follows the last
	}
	return false
}

// maxSeq reports the largest sequence number present in b, or -1 if b is empty.
func (b *bucket) maxSeq() int64 {
	var out int64 = -1
	for _, f := range b.frags {
		out = max(out, int64(f.Sequence))
	}
	return out
}

// complete reports whether b holds exactly the fragments 0..last.
func (b *bucket) complete() bool {
	return b.last >= 0 && int64(b.seen.Len()) == b.last+1
}

// TryComplete reports the reassembled message for (peer, conv) if all its
// fragments have been received. If the message is not yet complete, it
// returns nil, nil and leaves the bucket intact.
//
// Once complete, the bucket is removed. If the message does not match the
// checksum carried by its last fragment, TryComplete reports
// ErrChecksumMismatch. In that case the most recently added fragment, if it
// was not the only one, is kept to begin a new message, since it may belong
// to a later message that reused the conversation ID.
func (r *Reassembler) TryComplete(peer string, conv byte) ([]byte, error) {
	key := bucketKey{peer: peer, conv: conv & MaxConversationID}
	b, ok := r.buckets[key]
	if !ok || !b.complete() {
		return nil, nil
	}
	delete(r.buckets, key)

	newest := b.frags[len(b.frags)-1]
	slices.SortFunc(b.frags, func(x, y Fragment) int { return cmp.Compare(x.Sequence, y.Sequence) })
	msg := make([]byte, 0, b.size)
	for _, f := range b.frags {
		msg = append(msg, f.Body...)
	}
	if want := b.frags[len(b.frags)-1].Checksum; Checksum(msg) != want {
		if len(b.frags) > 1 {
			r.buckets[key] = &bucket{
				frags:   []Fragment{newest},
				seen:    mapset.New(newest.Sequence),
				last:    value.Cond[int64](newest.Last, int64(newest.Sequence), -1),
				size:    len(newest.Body),
				updated: b.updated,
			}
		}
		return nil, fmt.Errorf("message from %s (conv %d): %w", peer, key.conv, ErrChecksumMismatch)
	}
	return msg, nil
}

// Expire discards all incomplete messages that have not received a fragment
// since before, and reports how many were discarded.
func (r *Reassembler) Expire(before time.Time) int {
	var n int
	for key, b := range r.buckets {
		if b.updated.Before(before) {
			delete(r.buckets, key)
			n++
		}
	}
	return n
}
