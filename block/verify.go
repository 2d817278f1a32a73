package block

import (
	"errors"
	"fmt"

	"github.com/gitzhang10/CommitDAG/committee"
)

var (
	ErrInvalidAuthority = errors.New("authority is not in the committee")
	ErrGenesisRound     = errors.New("block claims the genesis round")
	ErrParentRound      = errors.New("parent round is not below block round")
	ErrDuplicateParent  = errors.New("parent cited twice")
)

// Verify runs the structural checks that do not need the DAG: author and
// parent authorities are committee members, the round is above genesis,
// every parent is from a strictly lower round, and no parent repeats.
// Signatures are checked elsewhere.
func (v *VerifiedBlock) Verify(c *committee.Committee) error {
	if !c.IsValidIndex(uint32(v.Author())) {
		return fmt.Errorf("%s: %w", v.reference, ErrInvalidAuthority)
	}
	if v.Round() == GenesisRound {
		return fmt.Errorf("%s: %w", v.reference, ErrGenesisRound)
	}
	seen := make(map[BlockRef]struct{}, len(v.block.Parents))
	for _, p := range v.block.Parents {
		if !c.IsValidIndex(uint32(p.Author)) {
			return fmt.Errorf("%s parent %s: %w", v.reference, p, ErrInvalidAuthority)
		}
		if p.Round >= v.Round() {
			return fmt.Errorf("%s parent %s: %w", v.reference, p, ErrParentRound)
		}
		if _, ok := seen[p]; ok {
			return fmt.Errorf("%s parent %s: %w", v.reference, p, ErrDuplicateParent)
		}
		seen[p] = struct{}{}
	}
	return nil
}
