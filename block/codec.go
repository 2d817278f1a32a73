package block

import (
	"github.com/hashicorp/go-msgpack/codec"
	"golang.org/x/crypto/blake2b"
)

var msgpackHandle = &codec.MsgpackHandle{WriteExt: true}

// Encode serializes v with msgpack.
func Encode(v interface{}) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, msgpackHandle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

// Decode deserializes msgpack data into v, which must be a pointer.
func Decode(data []byte, v interface{}) error {
	dec := codec.NewDecoderBytes(data, msgpackHandle)
	return dec.Decode(v)
}

// MsgpackHandle returns the handle shared by block serialization and the
// network codecs so both sides agree on the encoding options.
func MsgpackHandle() *codec.MsgpackHandle {
	return msgpackHandle
}

func hashBytes(data []byte) Digest {
	return Digest(blake2b.Sum256(data))
}

// WireRef is the msgpack form of a BlockRef.
type WireRef struct {
	Author uint32
	Round  uint64
	Digest []byte
}

// ToWireRefs converts references into their network form.
func ToWireRefs(refs []BlockRef) []WireRef {
	if len(refs) == 0 {
		return nil
	}
	out := make([]WireRef, len(refs))
	for i, r := range refs {
		out[i] = r.wire()
	}
	return out
}

// FromWireRefs converts network references back, validating digest length.
func FromWireRefs(refs []WireRef) ([]BlockRef, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	out := make([]BlockRef, len(refs))
	for i, r := range refs {
		ref, err := r.BlockRef()
		if err != nil {
			return nil, err
		}
		out[i] = ref
	}
	return out, nil
}

func (r BlockRef) wire() WireRef {
	d := make([]byte, DigestLength)
	copy(d, r.Digest[:])
	return WireRef{Author: uint32(r.Author), Round: uint64(r.Round), Digest: d}
}

// BlockRef converts the wire form back into a reference.
func (w WireRef) BlockRef() (BlockRef, error) {
	if len(w.Digest) != DigestLength {
		return BlockRef{}, ErrMalformedDigest
	}
	ref := BlockRef{Author: AuthorityIndex(w.Author), Round: Round(w.Round)}
	copy(ref.Digest[:], w.Digest)
	return ref, nil
}
