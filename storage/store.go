/*
Package storage persists accepted blocks and the commit sequence. DagState is
the only caller; it buffers writes and hands them over in batches.
*/
package storage

import (
	"errors"

	"github.com/gitzhang10/CommitDAG/block"
)

var ErrClosed = errors.New("store is closed")

// WriteBatch is the unit of persistence. Blocks and commits of one batch
// become visible together.
type WriteBatch struct {
	Blocks  []*block.VerifiedBlock
	Commits []*block.Commit
}

func (b WriteBatch) Empty() bool {
	return len(b.Blocks) == 0 && len(b.Commits) == 0
}

// Store is the query surface DagState needs from the storage engine.
type Store interface {
	Write(batch WriteBatch) error
	// ReadBlocks returns one entry per ref, nil where the block is unknown.
	ReadBlocks(refs []block.BlockRef) ([]*block.VerifiedBlock, error)
	ContainsBlocks(refs []block.BlockRef) ([]bool, error)
	// ScanBlocksByAuthor returns the blocks of author with round >= from,
	// ordered by (round, digest).
	ScanBlocksByAuthor(author block.AuthorityIndex, from block.Round) ([]*block.VerifiedBlock, error)
	// ReadLastCommit returns nil when nothing was committed yet.
	ReadLastCommit() (*block.Commit, error)
	// ScanCommits returns the commits with index in [from, to].
	ScanCommits(from, to block.CommitIndex) ([]*block.Commit, error)
	Close() error
}
