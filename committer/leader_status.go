package committer

import (
	"fmt"

	"github.com/gitzhang10/CommitDAG/block"
)

type Decision int

const (
	Undecided Decision = iota
	Commit
	Skip
)

func (d Decision) String() string {
	switch d {
	case Commit:
		return "commit"
	case Skip:
		return "skip"
	default:
		return "undecided"
	}
}

// LeaderStatus is the outcome of evaluating one leader slot.
//
//	Commit:    Block is the committed leader.
//	Skip:      no leader of Slot will ever be committed.
//	Undecided: Candidate names the block still waiting for a decision, or
//	           carries a zero digest when the slot is empty.
type LeaderStatus struct {
	Decision  Decision
	Slot      block.Slot
	Block     *block.VerifiedBlock
	Candidate block.BlockRef
	// Direct is set when the status came from the leader's own wave.
	Direct bool
}

func commitStatus(b *block.VerifiedBlock, direct bool) LeaderStatus {
	return LeaderStatus{Decision: Commit, Slot: b.Slot(), Block: b, Candidate: b.Reference(), Direct: direct}
}

func skipStatus(slot block.Slot, direct bool) LeaderStatus {
	return LeaderStatus{Decision: Skip, Slot: slot, Direct: direct}
}

func undecidedStatus(candidate block.BlockRef) LeaderStatus {
	return LeaderStatus{Decision: Undecided, Slot: candidate.Slot(), Candidate: candidate}
}

func (s LeaderStatus) IsDecided() bool {
	return s.Decision != Undecided
}

func (s LeaderStatus) Round() block.Round {
	return s.Slot.Round
}

func (s LeaderStatus) String() string {
	switch s.Decision {
	case Commit:
		return fmt.Sprintf("Commit(%s)", s.Block.Reference())
	case Skip:
		return fmt.Sprintf("Skip(%s)", s.Slot)
	default:
		return fmt.Sprintf("Undecided(%s)", s.Candidate)
	}
}
