package committer

import (
	"github.com/gitzhang10/CommitDAG/block"
	"github.com/gitzhang10/CommitDAG/dag"
	"github.com/hashicorp/go-hclog"
)

// Linearizer turns committed leaders into commits: each leader orders its
// causal history that no earlier commit ordered.
type Linearizer struct {
	dag    *dag.DagState
	logger hclog.Logger
}

func NewLinearizer(d *dag.DagState, logger hclog.Logger) *Linearizer {
	return &Linearizer{dag: d, logger: logger}
}

// HandleCommit records one commit per leader, in the given order, and
// returns the new commits. Leaders that are already committed are skipped.
func (l *Linearizer) HandleCommit(leaders []*block.VerifiedBlock) []*block.Commit {
	var commits []*block.Commit
	for _, leader := range leaders {
		if l.dag.IsCommitted(leader.Reference()) {
			l.logger.Debug("leader already committed", "leader", leader)
			continue
		}
		history := l.collectHistory(leader)
		refs := make([]block.BlockRef, len(history))
		for i, b := range history {
			refs[i] = b.Reference()
		}
		c := &block.Commit{
			Index:       l.dag.LastCommitIndex() + 1,
			Leader:      leader.Reference(),
			Blocks:      refs,
			TimestampMs: leader.TimestampMs(),
		}
		l.dag.AddCommit(c)
		l.logger.Info("commit the leader block", "index", c.Index, "leader", leader, "blocks", len(refs))
		commits = append(commits, c)
	}
	return commits
}

// collectHistory walks down from leader and gathers every uncommitted
// non-genesis ancestor, sorted by (round, author, digest).
func (l *Linearizer) collectHistory(leader *block.VerifiedBlock) []*block.VerifiedBlock {
	visited := map[block.BlockRef]struct{}{leader.Reference(): {}}
	history := []*block.VerifiedBlock{leader}
	frontier := []*block.VerifiedBlock{leader}
	for len(frontier) > 0 {
		var refs []block.BlockRef
		for _, b := range frontier {
			for _, p := range b.Parents() {
				if p.Round == block.GenesisRound {
					continue
				}
				if _, ok := visited[p]; ok {
					continue
				}
				visited[p] = struct{}{}
				if l.dag.IsCommitted(p) {
					continue
				}
				refs = append(refs, p)
			}
		}
		frontier = frontier[:0]
		for i, b := range l.dag.GetBlocks(refs) {
			if b == nil {
				l.logger.Error("ancestor missing from the dag", "block", refs[i], "leader", leader)
				continue
			}
			history = append(history, b)
			frontier = append(frontier, b)
		}
	}
	block.SortBlocks(history)
	return history
}
