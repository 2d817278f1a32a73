/*
Package committee describes the fixed set of authorities that take part in
consensus for an epoch, their stake, and the stake thresholds derived from it.
*/
package committee

import (
	"errors"
	"fmt"
)

// Stake is the voting weight of an authority.
type Stake uint64

// Authority is one member of the committee.
type Authority struct {
	Name        string
	Stake       Stake
	Address     string // host:port of the observer TCP listener
	GRPCAddress string
}

// Committee is an ordered list of authorities. The position of an authority
// in the list is its index and is stable for the epoch.
type Committee struct {
	authorities []Authority
	totalStake  Stake
	// f+1 and 2f+1, computed from the total stake
	validityThreshold Stake
	quorumThreshold   Stake
}

var (
	ErrEmptyCommittee = errors.New("committee has no authorities")
	ErrZeroStake      = errors.New("authority has zero stake")
)

// New creates a committee from the authorities in index order.
func New(authorities []Authority) (*Committee, error) {
	if len(authorities) == 0 {
		return nil, ErrEmptyCommittee
	}
	var total Stake
	for i, a := range authorities {
		if a.Stake == 0 {
			return nil, fmt.Errorf("authority %d (%s): %w", i, a.Name, ErrZeroStake)
		}
		total += a.Stake
	}
	// total = 3f + 1 + slack, f = (total-1)/3
	f := (total - 1) / 3
	c := &Committee{
		authorities:       append([]Authority(nil), authorities...),
		totalStake:        total,
		validityThreshold: f + 1,
		quorumThreshold:   total - f,
	}
	return c, nil
}

// NewEqualStake creates a committee of n authorities named node0..node(n-1)
// with stake 1 each.
func NewEqualStake(n int) *Committee {
	authorities := make([]Authority, n)
	for i := range authorities {
		authorities[i] = Authority{Name: fmt.Sprintf("node%d", i), Stake: 1}
	}
	c, err := New(authorities)
	if err != nil {
		panic(err)
	}
	return c
}

// Size returns the number of authorities.
func (c *Committee) Size() int {
	return len(c.authorities)
}

// IsValidIndex reports whether i names a committee member.
func (c *Committee) IsValidIndex(i uint32) bool {
	return int(i) < len(c.authorities)
}

// Authority returns the authority at index i. It panics on an unknown index.
func (c *Committee) Authority(i uint32) Authority {
	if !c.IsValidIndex(i) {
		panic(fmt.Sprintf("authority index %d out of committee of size %d", i, len(c.authorities)))
	}
	return c.authorities[i]
}

// Authorities returns a copy of the member list in index order.
func (c *Committee) Authorities() []Authority {
	return append([]Authority(nil), c.authorities...)
}

// Stake returns the stake of authority i.
func (c *Committee) Stake(i uint32) Stake {
	return c.Authority(i).Stake
}

func (c *Committee) TotalStake() Stake {
	return c.totalStake
}

// QuorumThreshold is the minimum stake that is strictly more than 2f.
func (c *Committee) QuorumThreshold() Stake {
	return c.quorumThreshold
}

// ValidityThreshold is the minimum stake that is strictly more than f.
func (c *Committee) ValidityThreshold() Stake {
	return c.validityThreshold
}

// IndexOf returns the index of the authority with the given name.
func (c *Committee) IndexOf(name string) (uint32, bool) {
	for i, a := range c.authorities {
		if a.Name == name {
			return uint32(i), true
		}
	}
	return 0, false
}
