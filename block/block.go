package block

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrMalformedDigest = errors.New("digest has wrong length")
	ErrMalformedBlock  = errors.New("block cannot be decoded")
)

// Block is the content of a DAG vertex as produced by its author.
type Block struct {
	Author       AuthorityIndex
	Round        Round
	TimestampMs  int64
	Parents      []BlockRef
	Transactions [][]byte
}

type wireBlock struct {
	Author       uint32
	Round        uint64
	TimestampMs  int64
	Parents      []WireRef
	Transactions [][]byte
}

// VerifiedBlock is a block whose validity was established before it reached
// the consensus core. It is immutable and shared read-only between
// components.
type VerifiedBlock struct {
	block      Block
	reference  BlockRef
	serialized []byte
}

// NewVerifiedBlock serializes b and derives its reference from the bytes.
func NewVerifiedBlock(b *Block) (*VerifiedBlock, error) {
	w := wireBlock{
		Author:       uint32(b.Author),
		Round:        uint64(b.Round),
		TimestampMs:  b.TimestampMs,
		Parents:      ToWireRefs(b.Parents),
		Transactions: b.Transactions,
	}
	data, err := Encode(&w)
	if err != nil {
		return nil, err
	}
	return newVerifiedBlock(copyBlock(b), data), nil
}

// ParseVerifiedBlock decodes a serialized block. The reference is derived
// from the received bytes, so equal references imply identical bytes.
func ParseVerifiedBlock(data []byte) (*VerifiedBlock, error) {
	var w wireBlock
	if err := Decode(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBlock, err)
	}
	parents, err := FromWireRefs(w.Parents)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBlock, err)
	}
	b := Block{
		Author:       AuthorityIndex(w.Author),
		Round:        Round(w.Round),
		TimestampMs:  w.TimestampMs,
		Parents:      parents,
		Transactions: w.Transactions,
	}
	serialized := append([]byte(nil), data...)
	return newVerifiedBlock(b, serialized), nil
}

func newVerifiedBlock(b Block, serialized []byte) *VerifiedBlock {
	return &VerifiedBlock{
		block: b,
		reference: BlockRef{
			Author: b.Author,
			Round:  b.Round,
			Digest: hashBytes(serialized),
		},
		serialized: serialized,
	}
}

func copyBlock(b *Block) Block {
	c := *b
	c.Parents = append([]BlockRef(nil), b.Parents...)
	if b.Transactions != nil {
		c.Transactions = make([][]byte, len(b.Transactions))
		for i, tx := range b.Transactions {
			c.Transactions[i] = append([]byte(nil), tx...)
		}
	}
	return c
}

func (v *VerifiedBlock) Reference() BlockRef    { return v.reference }
func (v *VerifiedBlock) Author() AuthorityIndex { return v.block.Author }
func (v *VerifiedBlock) Round() Round           { return v.block.Round }
func (v *VerifiedBlock) TimestampMs() int64     { return v.block.TimestampMs }
func (v *VerifiedBlock) Digest() Digest         { return v.reference.Digest }
func (v *VerifiedBlock) Slot() Slot             { return v.reference.Slot() }

// Parents returns the causal predecessors. The slice must not be modified.
func (v *VerifiedBlock) Parents() []BlockRef { return v.block.Parents }

// Transactions returns the opaque payload. The slice must not be modified.
func (v *VerifiedBlock) Transactions() [][]byte { return v.block.Transactions }

// Serialized returns the bytes forwarded verbatim to peers.
func (v *VerifiedBlock) Serialized() []byte { return v.serialized }

func (v *VerifiedBlock) String() string {
	return v.reference.String()
}

// GenesisBlocks returns the round 0 block of every authority.
func GenesisBlocks(committeeSize int) []*VerifiedBlock {
	blocks := make([]*VerifiedBlock, committeeSize)
	for i := range blocks {
		b, err := NewVerifiedBlock(&Block{Author: AuthorityIndex(i), Round: GenesisRound})
		if err != nil {
			panic(err)
		}
		blocks[i] = b
	}
	return blocks
}

// SortBlocks sorts blocks in place by (round, author, digest).
func SortBlocks(blocks []*VerifiedBlock) {
	sort.Slice(blocks, func(i, j int) bool {
		return blocks[i].reference.Less(blocks[j].reference)
	})
}
