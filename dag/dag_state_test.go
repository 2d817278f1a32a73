package dag

import (
	"sync"
	"testing"

	"github.com/gitzhang10/CommitDAG/block"
	"github.com/gitzhang10/CommitDAG/committee"
	"github.com/gitzhang10/CommitDAG/dag/dagtest"
	"github.com/gitzhang10/CommitDAG/storage"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

func newTestDagState(t *testing.T, c *committee.Committee, store storage.Store) *DagState {
	d, err := NewDagState(c, store, hclog.NewNullLogger(), nil)
	require.NoError(t, err)
	return d
}

func TestAcceptAndGetCachedBlocks(t *testing.T) {
	c := committee.NewEqualStake(4)
	d := newTestDagState(t, c, storage.NewMemStore())
	b := dagtest.NewBuilder(c)
	b.Layers(1, 5).Build()
	b.AcceptAll(d)

	blocks := d.GetCachedBlocks(2, 3)
	require.Len(t, blocks, 3)
	for i, v := range blocks {
		require.Equal(t, block.AuthorityIndex(2), v.Author())
		require.Equal(t, block.Round(3+i), v.Round())
	}
	require.Empty(t, d.GetCachedBlocks(2, 6))
	require.Len(t, d.GetCachedBlocks(0, 0), 5)
	require.Equal(t, block.Round(5), d.HighestAcceptedRound())
	require.Equal(t, []block.Round{5, 5, 5, 5}, d.HighestAcceptedRounds())
}

func TestAcceptIsIdempotent(t *testing.T) {
	c := committee.NewEqualStake(4)
	d := newTestDagState(t, c, storage.NewMemStore())
	b := dagtest.NewBuilder(c)
	v := b.Layer(1).Authorities(1).Build()[0]

	require.True(t, d.Accept(v))
	require.False(t, d.Accept(v))
	parsed, err := block.ParseVerifiedBlock(v.Serialized())
	require.NoError(t, err)
	require.False(t, d.Accept(parsed))
	require.Len(t, d.GetCachedBlocks(1, 0), 1)
	require.Len(t, d.BlocksAtRound(1), 1)
}

func TestEquivocatingSlot(t *testing.T) {
	c := committee.NewEqualStake(4)
	d := newTestDagState(t, c, storage.NewMemStore())
	b := dagtest.NewBuilder(c)
	b.Layer(1).Build()
	b.Layer(2).Authorities(3).Equivocate(1).Build()
	b.AcceptAll(d)

	slot := block.Slot{Round: 2, Authority: 3}
	require.Len(t, d.BlocksAtSlot(slot), 2)
	require.Len(t, d.GetCachedBlocks(3, 2), 2)
	require.Empty(t, d.BlocksAtSlot(block.Slot{Round: 2, Authority: 0}))
	require.Len(t, d.BlocksAtSlot(block.Slot{Round: 0, Authority: 0}), 1)
}

func TestInvalidAuthorityPanics(t *testing.T) {
	c := committee.NewEqualStake(4)
	d := newTestDagState(t, c, storage.NewMemStore())
	require.Panics(t, func() { d.GetCachedBlocks(4, 0) })
	require.Panics(t, func() { d.BlocksAtSlot(block.Slot{Round: 1, Authority: 9}) })

	foreign, err := block.NewVerifiedBlock(&block.Block{Author: 5, Round: 1})
	require.NoError(t, err)
	require.Panics(t, func() { d.Accept(foreign) })

	genesis := block.GenesisBlocks(4)[0]
	require.Panics(t, func() { d.Accept(genesis) })

	// the lock must still be usable after the panics above
	require.Empty(t, d.GetCachedBlocks(0, 0))
}

func TestGetBlocksIncludesGenesis(t *testing.T) {
	c := committee.NewEqualStake(4)
	d := newTestDagState(t, c, storage.NewMemStore())
	b := dagtest.NewBuilder(c)
	v := b.Layer(1).Authorities(0).Build()[0]
	d.Accept(v)

	unknown := dagtest.NewBuilder(c).Layer(1).Authorities(0).Equivocate(1).Build()[1]
	got := d.GetBlocks([]block.BlockRef{b.Genesis[2].Reference(), v.Reference(), unknown.Reference()})
	require.Equal(t, b.Genesis[2].Reference(), got[0].Reference())
	require.Equal(t, v.Reference(), got[1].Reference())
	require.Nil(t, got[2])
	require.Equal(t, []bool{true, true, false},
		d.ContainsBlocks([]block.BlockRef{b.Genesis[2].Reference(), v.Reference(), unknown.Reference()}))
}

func TestAncestorsAtRound(t *testing.T) {
	c := committee.NewEqualStake(4)
	d := newTestDagState(t, c, storage.NewMemStore())
	b := dagtest.NewBuilder(c)
	b.Layers(1, 2).Build()
	// round 3 blocks ignore D2
	b.Layer(3).OmitParentsFrom(3).Build()
	b.Layer(4).Authorities(0).Build()
	b.AcceptAll(d)

	a4 := b.Block(0, 4)
	at2 := d.AncestorsAtRound(a4, 2)
	require.Len(t, at2, 3)
	for _, v := range at2 {
		require.NotEqual(t, block.AuthorityIndex(3), v.Author())
	}
	require.Len(t, d.AncestorsAtRound(a4, 1), 4)
	require.Equal(t, []*block.VerifiedBlock{a4}, d.AncestorsAtRound(a4, 4))
	require.Nil(t, d.AncestorsAtRound(a4, 5))
}

func TestCommitIndexIsMonotonic(t *testing.T) {
	c := committee.NewEqualStake(4)
	d := newTestDagState(t, c, storage.NewMemStore())
	b := dagtest.NewBuilder(c)
	b.Layers(1, 3).Build()
	b.AcceptAll(d)
	require.Equal(t, block.GenesisCommitIndex, d.LastCommitIndex())
	require.Nil(t, d.LastCommit())

	leader := b.Ref(0, 3)
	d.AddCommit(&block.Commit{Index: 1, Leader: leader, Blocks: []block.BlockRef{leader}})
	require.Equal(t, block.CommitIndex(1), d.LastCommitIndex())
	require.True(t, d.IsCommitted(leader))

	// already recorded: ignored
	d.AddCommit(&block.Commit{Index: 1, Leader: leader})
	require.Equal(t, block.CommitIndex(1), d.LastCommitIndex())

	require.Panics(t, func() { d.AddCommit(&block.Commit{Index: 3, Leader: leader}) })
	require.Equal(t, block.CommitIndex(1), d.LastCommitIndex())

	other := b.Ref(1, 3)
	require.True(t, d.SetCommitted(other))
	require.False(t, d.SetCommitted(other))
}

func TestFlushAndRecover(t *testing.T) {
	c := committee.NewEqualStake(4)
	store, err := storage.NewPebbleStore("recover", true)
	require.NoError(t, err)
	defer store.Close()

	d := newTestDagState(t, c, store)
	b := dagtest.NewBuilder(c)
	b.Layers(1, 4).Build()
	b.AcceptAll(d)
	leader := b.Ref(1, 3)
	d.AddCommit(&block.Commit{Index: 1, Leader: leader, Blocks: []block.BlockRef{leader}})

	commits, err := d.ScanCommits(1, 10)
	require.NoError(t, err)
	require.Len(t, commits, 1)

	require.NoError(t, d.Flush())
	commits, err = d.ScanCommits(1, 10)
	require.NoError(t, err)
	require.Len(t, commits, 1)

	recovered := newTestDagState(t, c, store)
	require.Equal(t, block.Round(4), recovered.HighestAcceptedRound())
	require.Len(t, recovered.GetCachedBlocks(3, 0), 4)
	require.Equal(t, block.CommitIndex(1), recovered.LastCommitIndex())
	require.True(t, recovered.IsCommitted(leader))
	require.NoError(t, recovered.Flush())
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	c := committee.NewEqualStake(4)
	d := newTestDagState(t, c, storage.NewMemStore())
	b := dagtest.NewBuilder(c)
	b.Layers(1, 30).Build()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(a block.AuthorityIndex) {
			defer wg.Done()
			last := 0
			for j := 0; j < 200; j++ {
				n := len(d.GetCachedBlocks(a, 0))
				if n < last {
					t.Errorf("authority %s: %d blocks after %d", a, n, last)
					return
				}
				last = n
				d.LastCommitIndex()
			}
		}(block.AuthorityIndex(i))
	}
	for _, v := range b.Blocks() {
		d.Accept(v)
	}
	wg.Wait()
	require.Len(t, d.GetCachedBlocks(0, 0), 30)
}
