// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package udprpc

import (
	"fmt"

	"github.com/creachadair/mds/value"
	"github.com/creachadair/udprpc/packet"
)

const (
	// HeaderSize is the size in bytes of the fixed fragment header.
	HeaderSize = 6

	// MaxDatagramSize is the largest datagram the protocol will send.
	MaxDatagramSize = 500

	// MaxFragmentBody is the largest fragment body that fits a datagram.
	MaxFragmentBody = MaxDatagramSize - HeaderSize

	// MaxConversationID is the largest conversation ID representable in the
	// header. Bit 7 of the first header byte is the last-fragment flag.
	MaxConversationID = 0x7f

	lastFlag = 0x80
)

// Checksum returns the exclusive-or of all the bytes of data.  The checksum of
// an empty input is 0. Because XOR is commutative, the result does not depend
// on the order in which the bytes are combined.
func Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum ^= b
	}
	return sum
}

// A Fragment is one datagram-sized piece of a message.
//
// The wire format of a fragment is:
//
//	byte 0     : bit 7 = last-fragment flag, bits 6..0 = conversation ID
//	bytes 1..4 : sequence number, big-endian
//	byte 5     : checksum
//	bytes 6..  : body (at most MaxFragmentBody bytes)
//
// For a fragment that is not the last of its message, the checksum covers
// the body of that fragment only. For the last fragment, the checksum covers
// the whole reassembled message.
type Fragment struct {
	Conversation byte
	Sequence     uint32
	Last         bool
	Checksum     byte
	Body         []byte
}

// MarshalBinary encodes f in wire format. It implements encoding.BinaryMarshaler.
// The conversation ID is masked to 7 bits. It reports ErrPayloadTooLarge if
// the body is longer than MaxFragmentBody.
func (f Fragment) MarshalBinary() ([]byte, error) {
	if len(f.Body) > MaxFragmentBody {
		return nil, fmt.Errorf("fragment body %d > %d bytes: %w", len(f.Body), MaxFragmentBody, ErrPayloadTooLarge)
	}
	b := packet.NewBuilder(HeaderSize + len(f.Body))
	b.Put(value.Cond[byte](f.Last, lastFlag, 0) | f.Conversation&MaxConversationID)
	b.Uint32(f.Sequence)
	b.Put(f.Checksum)
	b.Put(f.Body...)
	return b.Bytes(), nil
}

// UnmarshalBinary decodes data into a fragment. It implements
// encoding.BinaryUnmarshaler. The body of f aliases data.
func (f *Fragment) UnmarshalBinary(data []byte) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("short fragment (%d < %d bytes): %w", len(data), HeaderSize, ErrMalformedFragment)
	}
	s := packet.NewScanner(data)
	tag, _ := s.Byte()
	seq, _ := s.Uint32()
	sum, _ := s.Byte()

	f.Conversation = tag & MaxConversationID
	f.Last = tag&lastFlag != 0
	f.Sequence = seq
	f.Checksum = sum
	f.Body = nil
	if s.Len() > 0 {
		f.Body, _ = packet.Get[[]byte](s, s.Len())
	}
	return nil
}

// String returns a human-friendly rendering of the fragment.
func (f Fragment) String() string {
	return fmt.Sprintf("Fragment(conv=%d, seq=%d, last=%v, sum=%02x, %d bytes)",
		f.Conversation, f.Sequence, f.Last, f.Checksum, len(f.Body))
}

// maxFragments is the number of distinct sequence numbers in a conversation.
const maxFragments = 1 << 32

// Split divides payload into fragments of at most maxBody bytes each, tagged
// with the given conversation ID. Fragments are numbered from 0 in payload
// order. Every fragment but the last carries the checksum of its own body;
// the last carries the checksum of the whole payload.
//
// An empty payload yields a single empty last fragment. Split reports an
// error if maxBody is not in 1..MaxFragmentBody, or ErrPayloadTooLarge if the
// payload needs more fragments than a sequence number can count.
func Split(payload []byte, conv byte, maxBody int) ([]Fragment, error) {
	if maxBody < 1 || maxBody > MaxFragmentBody {
		return nil, fmt.Errorf("fragment size %d out of range 1..%d", maxBody, MaxFragmentBody)
	}
	n := max(1, (len(payload)+maxBody-1)/maxBody)
	if int64(n) > maxFragments {
		return nil, fmt.Errorf("payload needs %d fragments: %w", n, ErrPayloadTooLarge)
	}
	conv &= MaxConversationID

	out := make([]Fragment, n)
	for i := range out {
		lo := i * maxBody
		hi := min(lo+maxBody, len(payload))
		body := payload[lo:hi]
		out[i] = Fragment{
			Conversation: conv,
			Sequence:     uint32(i),
			Checksum:     Checksum(body),
			Body:         body,
		}
	}
	last := &out[n-1]
	last.Last = true
	last.Checksum = Checksum(payload)
	return out, nil
}
