/*
Package committer decides which leader blocks are committed. Rounds are grouped
into waves of three: the leader proposes in the leader round, blocks of the
voting round vote for it by citing it, and blocks of the decision round
certify the votes they cite.
*/
package committer

import (
	"github.com/gitzhang10/CommitDAG/block"
	"github.com/gitzhang10/CommitDAG/committee"
	"github.com/gitzhang10/CommitDAG/dag"
)

const WaveLength = 3

// LeaderRound maps a wave to its leader round. Wave 0 holds genesis.
func LeaderRound(wave uint64) block.Round {
	return block.Round(wave * WaveLength)
}

func VotingRound(wave uint64) block.Round {
	return LeaderRound(wave) + 1
}

func DecisionRound(wave uint64) block.Round {
	return LeaderRound(wave) + 2
}

// WaveOf returns the wave a round belongs to.
func WaveOf(round block.Round) uint64 {
	return uint64(round) / WaveLength
}

// IsLeaderRound reports whether round is the first round of its wave.
func IsLeaderRound(round block.Round) bool {
	return uint64(round)%WaveLength == 0
}

// BaseCommitter applies the direct and indirect decision rules to single
// leader candidates. It only reads from the DAG.
type BaseCommitter struct {
	committee *committee.Committee
	dag       *dag.DagState
	schedule  LeaderSchedule
}

func NewBaseCommitter(d *dag.DagState, schedule LeaderSchedule) *BaseCommitter {
	return &BaseCommitter{committee: d.Committee(), dag: d, schedule: schedule}
}

// LeaderSlot returns the slot whose block leads round.
func (c *BaseCommitter) LeaderSlot(round block.Round) block.Slot {
	return block.Slot{Round: round, Authority: c.schedule.Elect(round)}
}

// ElectLeader returns the leader block of round. There is no leader when the
// elected authority has no block at round or equivocated.
func (c *BaseCommitter) ElectLeader(round block.Round) (block.BlockRef, bool) {
	blocks := c.dag.BlocksAtSlot(c.LeaderSlot(round))
	if len(blocks) != 1 {
		return block.BlockRef{}, false
	}
	return blocks[0].Reference(), true
}

// isVote reports whether v votes for leader: it cites leader and no other
// block of the leader's slot.
func isVote(v *block.VerifiedBlock, leader block.BlockRef) bool {
	found := false
	for _, p := range v.Parents() {
		if p.Author != leader.Author || p.Round != leader.Round {
			continue
		}
		if p != leader {
			return false
		}
		found = true
	}
	return found
}

// certifies reports whether decision cites voting-round blocks worth more
// than 2f stake that vote for leader (wantVotes) or do not (!wantVotes).
func (c *BaseCommitter) certifies(decision *block.VerifiedBlock, leader block.BlockRef, wantVotes bool) bool {
	votingRound := leader.Round + 1
	agg := committee.NewQuorumAggregator(c.committee)
	var refs []block.BlockRef
	for _, p := range decision.Parents() {
		if p.Round == votingRound {
			refs = append(refs, p)
		}
	}
	for _, v := range c.dag.GetBlocks(refs) {
		if v == nil {
			continue
		}
		if isVote(v, leader) == wantVotes && agg.Add(uint32(v.Author()), c.committee) {
			return true
		}
	}
	return false
}

func (c *BaseCommitter) isCertificate(decision *block.VerifiedBlock, leader block.BlockRef) bool {
	return c.certifies(decision, leader, true)
}

func (c *BaseCommitter) isSkipCertificate(decision *block.VerifiedBlock, leader block.BlockRef) bool {
	return c.certifies(decision, leader, false)
}

// TryDirectDecide applies the direct rule using the leader's own wave.
func (c *BaseCommitter) TryDirectDecide(leader block.BlockRef) LeaderStatus {
	decisions := c.dag.BlocksAtRound(leader.Round + 2)
	if len(decisions) == 0 {
		return undecidedStatus(leader)
	}
	commitAgg := committee.NewQuorumAggregator(c.committee)
	skipAgg := committee.NewQuorumAggregator(c.committee)
	for _, d := range decisions {
		author := uint32(d.Author())
		if c.isCertificate(d, leader) {
			if commitAgg.Add(author, c.committee) {
				if b := c.dag.GetBlock(leader); b != nil {
					return commitStatus(b, true)
				}
			}
		} else if c.isSkipCertificate(d, leader) {
			if skipAgg.Add(author, c.committee) {
				return skipStatus(leader.Slot(), true)
			}
		}
	}
	return undecidedStatus(leader)
}

// TryIndirectDecide decides leader from the statuses of later waves, given
// in wave order. The first committed leader beyond leader's decision round
// is the anchor, unless an undecided wave comes before it. A skip certificate for leader in the anchor's history at
// the decision round means leader was skipped; otherwise leader is committed
// if and only if it is in the anchor's causal history.
func (c *BaseCommitter) TryIndirectDecide(leader block.BlockRef, future []LeaderStatus) LeaderStatus {
	anchor := findAnchor(leader.Round, future)
	if anchor == nil {
		return undecidedStatus(leader)
	}
	if c.skipCertifiedBy(anchor, leader) {
		return skipStatus(leader.Slot(), false)
	}
	for _, b := range c.dag.AncestorsAtRound(anchor, leader.Round) {
		if b.Reference() == leader {
			return commitStatus(b, false)
		}
	}
	return skipStatus(leader.Slot(), false)
}

// findAnchor returns the first committed leader beyond the decision round of
// leaderRound. Skipped slots are passed over; an undecided one ends the search
// since the anchor cannot be known yet.
func findAnchor(leaderRound block.Round, future []LeaderStatus) *block.VerifiedBlock {
	for _, s := range future {
		if s.Round() <= leaderRound+2 {
			continue
		}
		switch s.Decision {
		case Commit:
			return s.Block
		case Undecided:
			return nil
		}
	}
	return nil
}

func (c *BaseCommitter) skipCertifiedBy(anchor *block.VerifiedBlock, leader block.BlockRef) bool {
	for _, d := range c.dag.AncestorsAtRound(anchor, leader.Round+2) {
		if c.isSkipCertificate(d, leader) {
			return true
		}
	}
	return false
}

func (c *BaseCommitter) certifiedBy(anchor *block.VerifiedBlock, leader block.BlockRef) bool {
	for _, d := range c.dag.AncestorsAtRound(anchor, leader.Round+2) {
		if c.isCertificate(d, leader) {
			return true
		}
	}
	return false
}

// slotCandidates returns the references of the blocks at slot. An empty slot
// yields a single reference with a zero digest, which no block can vote for.
func (c *BaseCommitter) slotCandidates(slot block.Slot) []block.BlockRef {
	blocks := c.dag.BlocksAtSlot(slot)
	if len(blocks) == 0 {
		return []block.BlockRef{{Author: slot.Authority, Round: slot.Round}}
	}
	refs := make([]block.BlockRef, len(blocks))
	for i, b := range blocks {
		refs[i] = b.Reference()
	}
	return refs
}

// TryDirectDecideSlot applies the direct rule to every block at slot. The
// slot is committed if one of them is, skipped if all of them are.
func (c *BaseCommitter) TryDirectDecideSlot(slot block.Slot) LeaderStatus {
	candidates := c.slotCandidates(slot)
	skipped := 0
	for _, ref := range candidates {
		s := c.TryDirectDecide(ref)
		switch s.Decision {
		case Commit:
			return s
		case Skip:
			skipped++
		}
	}
	if skipped == len(candidates) {
		return skipStatus(slot, true)
	}
	return undecidedStatus(candidates[0])
}

// TryIndirectDecideSlot applies the indirect rule to every block at slot.
// With an equivocating leader a candidate certified in the anchor's history
// wins; otherwise the smallest candidate in the anchor's history does.
func (c *BaseCommitter) TryIndirectDecideSlot(slot block.Slot, future []LeaderStatus) LeaderStatus {
	candidates := c.slotCandidates(slot)
	anchor := findAnchor(slot.Round, future)
	if anchor == nil {
		return undecidedStatus(candidates[0])
	}
	if len(candidates) > 1 {
		for _, ref := range candidates {
			if c.certifiedBy(anchor, ref) {
				return c.TryIndirectDecide(ref, future)
			}
		}
	}
	for _, ref := range candidates {
		if s := c.TryIndirectDecide(ref, future); s.Decision == Commit {
			return s
		}
	}
	return skipStatus(slot, false)
}
