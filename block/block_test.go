package block

import (
	"testing"

	"github.com/gitzhang10/CommitDAG/committee"
	"github.com/stretchr/testify/require"
)

func TestVerifiedBlockRoundTrip(t *testing.T) {
	genesis := GenesisBlocks(4)
	b, err := NewVerifiedBlock(&Block{
		Author:       2,
		Round:        1,
		TimestampMs:  1000,
		Parents:      []BlockRef{genesis[0].Reference(), genesis[1].Reference(), genesis[2].Reference()},
		Transactions: [][]byte{[]byte("tx1"), []byte("tx2")},
	})
	require.NoError(t, err)

	parsed, err := ParseVerifiedBlock(b.Serialized())
	require.NoError(t, err)
	require.Equal(t, b.Reference(), parsed.Reference())
	require.Equal(t, b.Parents(), parsed.Parents())
	require.Equal(t, b.Transactions(), parsed.Transactions())
	require.Equal(t, int64(1000), parsed.TimestampMs())
	require.Equal(t, Slot{Round: 1, Authority: 2}, parsed.Slot())
}

func TestDigestDependsOnContent(t *testing.T) {
	a, err := NewVerifiedBlock(&Block{Author: 0, Round: 1, Transactions: [][]byte{[]byte("a")}})
	require.NoError(t, err)
	b, err := NewVerifiedBlock(&Block{Author: 0, Round: 1, Transactions: [][]byte{[]byte("b")}})
	require.NoError(t, err)
	require.Equal(t, a.Slot(), b.Slot())
	require.NotEqual(t, a.Reference(), b.Reference())
}

func TestGenesisIsDeterministic(t *testing.T) {
	g1 := GenesisBlocks(4)
	g2 := GenesisBlocks(4)
	for i := range g1 {
		require.Equal(t, g1[i].Reference(), g2[i].Reference())
		require.Equal(t, GenesisRound, g1[i].Round())
		require.Empty(t, g1[i].Parents())
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := ParseVerifiedBlock([]byte{0xc1, 0x00, 0x01})
	require.ErrorIs(t, err, ErrMalformedBlock)
}

func TestVerify(t *testing.T) {
	c := committee.NewEqualStake(4)
	g := GenesisBlocks(4)

	ok, _ := NewVerifiedBlock(&Block{Author: 1, Round: 1, Parents: []BlockRef{g[0].Reference(), g[1].Reference()}})
	require.NoError(t, ok.Verify(c))

	badAuthor, _ := NewVerifiedBlock(&Block{Author: 7, Round: 1})
	require.ErrorIs(t, badAuthor.Verify(c), ErrInvalidAuthority)

	genesisRound, _ := NewVerifiedBlock(&Block{Author: 1, Round: 0})
	require.ErrorIs(t, genesisRound.Verify(c), ErrGenesisRound)

	sameRound, _ := NewVerifiedBlock(&Block{Author: 1, Round: 1, Parents: []BlockRef{ok.Reference()}})
	require.ErrorIs(t, sameRound.Verify(c), ErrParentRound)

	dup, _ := NewVerifiedBlock(&Block{Author: 1, Round: 2, Parents: []BlockRef{ok.Reference(), ok.Reference()}})
	require.ErrorIs(t, dup.Verify(c), ErrDuplicateParent)

	foreignParent, _ := NewVerifiedBlock(&Block{Author: 1, Round: 2, Parents: []BlockRef{{Author: 9, Round: 1}}})
	require.ErrorIs(t, foreignParent.Verify(c), ErrInvalidAuthority)
}

func TestSortBlocks(t *testing.T) {
	var blocks []*VerifiedBlock
	for _, s := range []Slot{{2, 1}, {1, 3}, {1, 0}, {2, 0}} {
		b, err := NewVerifiedBlock(&Block{Author: s.Authority, Round: s.Round})
		require.NoError(t, err)
		blocks = append(blocks, b)
	}
	SortBlocks(blocks)
	var got []string
	for _, b := range blocks {
		got = append(got, b.Slot().String())
	}
	require.Equal(t, []string{"A1", "D1", "A2", "B2"}, got)
}

func TestCommitSerialization(t *testing.T) {
	g := GenesisBlocks(2)
	c := &Commit{
		Index:       3,
		Leader:      g[1].Reference(),
		Blocks:      []BlockRef{g[0].Reference(), g[1].Reference()},
		TimestampMs: 42,
	}
	data, err := c.Serialize()
	require.NoError(t, err)
	parsed, err := ParseCommit(data)
	require.NoError(t, err)
	require.Equal(t, c, parsed)
}

func TestWireRefRejectsShortDigest(t *testing.T) {
	_, err := FromWireRefs([]WireRef{{Author: 1, Round: 1, Digest: []byte{1, 2}}})
	require.ErrorIs(t, err, ErrMalformedDigest)
}
