package committee

// StakeAggregator sums the stake of distinct authorities until a threshold is
// reached. Adding the same authority twice has no effect.
type StakeAggregator struct {
	votes     map[uint32]struct{}
	stake     Stake
	threshold Stake
}

// NewQuorumAggregator aggregates towards more than 2f stake.
func NewQuorumAggregator(c *Committee) *StakeAggregator {
	return &StakeAggregator{votes: make(map[uint32]struct{}), threshold: c.QuorumThreshold()}
}

// NewValidityAggregator aggregates towards more than f stake.
func NewValidityAggregator(c *Committee) *StakeAggregator {
	return &StakeAggregator{votes: make(map[uint32]struct{}), threshold: c.ValidityThreshold()}
}

// Add records the stake of authority i and reports whether the threshold
// has been reached.
func (s *StakeAggregator) Add(i uint32, c *Committee) bool {
	if _, ok := s.votes[i]; !ok {
		s.votes[i] = struct{}{}
		s.stake += c.Stake(i)
	}
	return s.Reached()
}

func (s *StakeAggregator) Reached() bool {
	return s.stake >= s.threshold
}

func (s *StakeAggregator) Stake() Stake {
	return s.stake
}
