package block

import (
	"fmt"
)

// Commit is one entry of the finalized sequence: a committed leader and the
// causal history it orders, which includes the leader itself.
type Commit struct {
	Index       CommitIndex
	Leader      BlockRef
	Blocks      []BlockRef
	TimestampMs int64
}

type wireCommit struct {
	Index       uint64
	Leader      WireRef
	Blocks      []WireRef
	TimestampMs int64
}

// Serialize encodes the commit for storage and for FetchCommits replies.
func (c *Commit) Serialize() ([]byte, error) {
	w := wireCommit{
		Index:       uint64(c.Index),
		Leader:      c.Leader.wire(),
		Blocks:      ToWireRefs(c.Blocks),
		TimestampMs: c.TimestampMs,
	}
	return Encode(&w)
}

// ParseCommit decodes a serialized commit.
func ParseCommit(data []byte) (*Commit, error) {
	var w wireCommit
	if err := Decode(data, &w); err != nil {
		return nil, fmt.Errorf("decode commit: %w", err)
	}
	leader, err := w.Leader.BlockRef()
	if err != nil {
		return nil, err
	}
	blocks, err := FromWireRefs(w.Blocks)
	if err != nil {
		return nil, err
	}
	return &Commit{
		Index:       CommitIndex(w.Index),
		Leader:      leader,
		Blocks:      blocks,
		TimestampMs: w.TimestampMs,
	}, nil
}

func (c *Commit) String() string {
	return fmt.Sprintf("commit %d leader %s (%d blocks)", c.Index, c.Leader, len(c.Blocks))
}
