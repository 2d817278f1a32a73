// Package dagtest builds DAGs for tests.
package dagtest

import (
	"fmt"

	"github.com/gitzhang10/CommitDAG/block"
	"github.com/gitzhang10/CommitDAG/committee"
)

// Acceptor is what the builder hands its blocks to, normally a DagState.
type Acceptor interface {
	AcceptBlocks(blocks []*block.VerifiedBlock) []*block.VerifiedBlock
}

// Builder creates blocks round by round and remembers every block it made.
type Builder struct {
	Committee *committee.Committee
	Genesis   []*block.VerifiedBlock

	blocks  []*block.VerifiedBlock
	byRound map[block.Round][]*block.VerifiedBlock
	salt    int
}

func NewBuilder(c *committee.Committee) *Builder {
	b := &Builder{
		Committee: c,
		Genesis:   block.GenesisBlocks(c.Size()),
		byRound:   make(map[block.Round][]*block.VerifiedBlock),
	}
	b.byRound[block.GenesisRound] = b.Genesis
	return b
}

// LayerBuilder configures the blocks of one or more consecutive rounds.
type LayerBuilder struct {
	b           *Builder
	from, to    block.Round
	authorities []block.AuthorityIndex
	parents     []block.BlockRef
	omit        map[block.AuthorityIndex]bool
	equivocate  int
}

// Layer starts a single round.
func (b *Builder) Layer(round block.Round) *LayerBuilder {
	return b.Layers(round, round)
}

// Layers starts the rounds [from, to]. By default every authority produces
// one block per round citing every block of the previous round.
func (b *Builder) Layers(from, to block.Round) *LayerBuilder {
	if from == block.GenesisRound {
		panic("genesis round is built by NewBuilder")
	}
	return &LayerBuilder{b: b, from: from, to: to, omit: make(map[block.AuthorityIndex]bool)}
}

// Authorities restricts the authors of the layer.
func (l *LayerBuilder) Authorities(authorities ...block.AuthorityIndex) *LayerBuilder {
	l.authorities = authorities
	return l
}

// Parents sets explicit parents for every block of the layer.
func (l *LayerBuilder) Parents(refs ...block.BlockRef) *LayerBuilder {
	l.parents = refs
	return l
}

// OmitParentsFrom drops the default links to blocks of these authorities.
func (l *LayerBuilder) OmitParentsFrom(authorities ...block.AuthorityIndex) *LayerBuilder {
	for _, a := range authorities {
		l.omit[a] = true
	}
	return l
}

// Equivocate makes every author of the layer produce n extra blocks per round.
func (l *LayerBuilder) Equivocate(n int) *LayerBuilder {
	l.equivocate = n
	return l
}

// Build creates the blocks and returns them in creation order.
func (l *LayerBuilder) Build() []*block.VerifiedBlock {
	authorities := l.authorities
	if authorities == nil {
		for i := 0; i < l.b.Committee.Size(); i++ {
			authorities = append(authorities, block.AuthorityIndex(i))
		}
	}
	var built []*block.VerifiedBlock
	for r := l.from; r <= l.to; r++ {
		parents := l.parents
		if parents == nil {
			for _, p := range l.b.byRound[r-1] {
				if !l.omit[p.Author()] {
					parents = append(parents, p.Reference())
				}
			}
		}
		for _, a := range authorities {
			for k := 0; k <= l.equivocate; k++ {
				built = append(built, l.b.AddBlock(a, r, parents))
			}
		}
	}
	return built
}

// AddBlock creates one block. Every call yields a distinct digest, so calling
// it twice for a slot produces an equivocation.
func (b *Builder) AddBlock(author block.AuthorityIndex, round block.Round, parents []block.BlockRef) *block.VerifiedBlock {
	b.salt++
	v, err := block.NewVerifiedBlock(&block.Block{
		Author:       author,
		Round:        round,
		TimestampMs:  int64(round) * 1000,
		Parents:      parents,
		Transactions: [][]byte{[]byte(fmt.Sprintf("%s%d-%d", author, round, b.salt))},
	})
	if err != nil {
		panic(err)
	}
	b.blocks = append(b.blocks, v)
	b.byRound[round] = append(b.byRound[round], v)
	return v
}

// Blocks returns every block built so far, genesis excluded.
func (b *Builder) Blocks() []*block.VerifiedBlock {
	return append([]*block.VerifiedBlock(nil), b.blocks...)
}

// RoundBlocks returns the blocks built at round.
func (b *Builder) RoundBlocks(round block.Round) []*block.VerifiedBlock {
	return append([]*block.VerifiedBlock(nil), b.byRound[round]...)
}

// RoundRefs returns the references of the blocks built at round.
func (b *Builder) RoundRefs(round block.Round) []block.BlockRef {
	var refs []block.BlockRef
	for _, v := range b.byRound[round] {
		refs = append(refs, v.Reference())
	}
	return refs
}

// Block returns the first block built at the slot. It panics when there is
// none.
func (b *Builder) Block(author block.AuthorityIndex, round block.Round) *block.VerifiedBlock {
	for _, v := range b.byRound[round] {
		if v.Author() == author {
			return v
		}
	}
	panic(fmt.Sprintf("no block at %s%d", author, round))
}

func (b *Builder) Ref(author block.AuthorityIndex, round block.Round) block.BlockRef {
	return b.Block(author, round).Reference()
}

// AcceptAll hands every built block to a.
func (b *Builder) AcceptAll(a Acceptor) {
	a.AcceptBlocks(b.Blocks())
}
