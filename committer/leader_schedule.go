package committer

import (
	"encoding/binary"
	"fmt"

	"github.com/gitzhang10/CommitDAG/block"
	"github.com/gitzhang10/CommitDAG/committee"
	"go.dedis.ch/kyber/v3/xof/blake2xb"
)

const (
	RoundRobin    = "round_robin"
	StakeWeighted = "stake_weighted"
)

// LeaderSchedule picks the leader authority of a round. It must depend on
// the committee and the round only, so every honest authority elects the
// same one.
type LeaderSchedule interface {
	Elect(round block.Round) block.AuthorityIndex
}

// NewLeaderSchedule returns the schedule named by mode. An empty mode
// selects round robin.
func NewLeaderSchedule(c *committee.Committee, mode string, seed []byte) (LeaderSchedule, error) {
	switch mode {
	case "", RoundRobin:
		return &roundRobinSchedule{size: uint64(c.Size())}, nil
	case StakeWeighted:
		return &stakeWeightedSchedule{committee: c, seed: append([]byte(nil), seed...)}, nil
	default:
		return nil, fmt.Errorf("unknown leader election mode %q", mode)
	}
}

type roundRobinSchedule struct {
	size uint64
}

func (s *roundRobinSchedule) Elect(round block.Round) block.AuthorityIndex {
	return block.AuthorityIndex(uint64(round) % s.size)
}

// stakeWeightedSchedule draws a stake-weighted pseudorandom authority from
// a blake2xb stream seeded with the seed and the round.
type stakeWeightedSchedule struct {
	committee *committee.Committee
	seed      []byte
}

func (s *stakeWeightedSchedule) Elect(round block.Round) block.AuthorityIndex {
	input := make([]byte, len(s.seed)+8)
	copy(input, s.seed)
	binary.BigEndian.PutUint64(input[len(s.seed):], uint64(round))
	xof := blake2xb.New(input)
	var buf [8]byte
	if _, err := xof.Read(buf[:]); err != nil {
		panic(err)
	}
	target := binary.BigEndian.Uint64(buf[:]) % uint64(s.committee.TotalStake())
	var acc uint64
	for i := 0; i < s.committee.Size(); i++ {
		acc += uint64(s.committee.Stake(uint32(i)))
		if target < acc {
			return block.AuthorityIndex(i)
		}
	}
	panic("stake walk did not reach the total stake")
}
