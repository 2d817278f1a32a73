package committee

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestThresholdsEqualStake(t *testing.T) {
	for _, tc := range []struct {
		n        int
		quorum   Stake
		validity Stake
	}{
		{n: 1, quorum: 1, validity: 1},
		{n: 4, quorum: 3, validity: 2},
		{n: 7, quorum: 5, validity: 3},
		{n: 10, quorum: 7, validity: 4},
	} {
		c := NewEqualStake(tc.n)
		require.Equal(t, tc.n, c.Size())
		require.Equal(t, tc.quorum, c.QuorumThreshold(), "n=%d", tc.n)
		require.Equal(t, tc.validity, c.ValidityThreshold(), "n=%d", tc.n)
	}
}

func TestThresholdsWeighted(t *testing.T) {
	c, err := New([]Authority{
		{Name: "a", Stake: 10},
		{Name: "b", Stake: 20},
		{Name: "c", Stake: 30},
		{Name: "d", Stake: 40},
	})
	require.NoError(t, err)
	require.Equal(t, Stake(100), c.TotalStake())
	// f = 33
	require.Equal(t, Stake(67), c.QuorumThreshold())
	require.Equal(t, Stake(34), c.ValidityThreshold())
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New(nil)
	require.ErrorIs(t, err, ErrEmptyCommittee)

	_, err = New([]Authority{{Name: "a", Stake: 1}, {Name: "b"}})
	require.ErrorIs(t, err, ErrZeroStake)
}

func TestAuthorityOutOfRangePanics(t *testing.T) {
	c := NewEqualStake(4)
	require.True(t, c.IsValidIndex(3))
	require.False(t, c.IsValidIndex(4))
	require.Panics(t, func() { c.Authority(4) })
}

func TestStakeAggregator(t *testing.T) {
	c := NewEqualStake(4)
	agg := NewQuorumAggregator(c)
	require.False(t, agg.Add(0, c))
	require.False(t, agg.Add(0, c))
	require.False(t, agg.Add(1, c))
	require.True(t, agg.Add(2, c))
	require.Equal(t, Stake(3), agg.Stake())

	v := NewValidityAggregator(c)
	require.False(t, v.Add(3, c))
	require.True(t, v.Add(1, c))
}

func TestIndexOf(t *testing.T) {
	c := NewEqualStake(4)
	i, ok := c.IndexOf("node2")
	require.True(t, ok)
	require.Equal(t, uint32(2), i)
	_, ok = c.IndexOf("node9")
	require.False(t, ok)
}
