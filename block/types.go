package block

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
)

// AuthorityIndex identifies a committee member, stable for the epoch.
type AuthorityIndex uint32

// Round of the DAG. Genesis blocks live at GenesisRound.
type Round uint64

// CommitIndex is the position of a commit in the finalized commit sequence.
// The first commit has index 1; 0 means nothing has been committed.
type CommitIndex uint64

const (
	GenesisRound       Round       = 0
	GenesisCommitIndex CommitIndex = 0
	DigestLength                   = 32
)

func (a AuthorityIndex) String() string {
	if a < 26 {
		return string(rune('A' + a))
	}
	return fmt.Sprintf("[%d]", uint32(a))
}

// Digest is the BLAKE2b-256 hash of a block's serialization.
type Digest [DigestLength]byte

func (d Digest) String() string {
	return hex.EncodeToString(d[:4])
}

// BlockRef uniquely identifies a block.
type BlockRef struct {
	Author AuthorityIndex
	Round  Round
	Digest Digest
}

func (r BlockRef) String() string {
	return fmt.Sprintf("%s%d(%s)", r.Author, r.Round, r.Digest)
}

// Slot returns the (round, author) pair of the reference.
func (r BlockRef) Slot() Slot {
	return Slot{Round: r.Round, Authority: r.Author}
}

// Less orders references by round, then author, then digest.
func (r BlockRef) Less(o BlockRef) bool {
	if r.Round != o.Round {
		return r.Round < o.Round
	}
	if r.Author != o.Author {
		return r.Author < o.Author
	}
	return bytes.Compare(r.Digest[:], o.Digest[:]) < 0
}

// SortRefs sorts references in place by (round, author, digest).
func SortRefs(refs []BlockRef) {
	sort.Slice(refs, func(i, j int) bool { return refs[i].Less(refs[j]) })
}

// Slot is a position in the DAG that an authority may fill with a block.
// Byzantine authorities may fill a slot with several blocks.
type Slot struct {
	Round     Round
	Authority AuthorityIndex
}

func (s Slot) String() string {
	return fmt.Sprintf("%s%d", s.Authority, s.Round)
}
