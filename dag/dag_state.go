/*
Package dag holds DagState, the authoritative view of accepted blocks and of
the commit sequence. One acceptance pipeline writes to it; the committer and
the observer service read from it concurrently.
*/
package dag

import (
	"fmt"
	"sort"

	"github.com/algorand/go-deadlock"
	"github.com/gitzhang10/CommitDAG/block"
	"github.com/gitzhang10/CommitDAG/committee"
	"github.com/gitzhang10/CommitDAG/metrics"
	"github.com/gitzhang10/CommitDAG/storage"
	"github.com/hashicorp/go-hclog"
)

type DagState struct {
	lock      deadlock.RWMutex
	flushLock deadlock.Mutex
	committee *committee.Committee
	store     storage.Store
	logger    hclog.Logger
	metrics   *metrics.Metrics

	genesis map[block.BlockRef]*block.VerifiedBlock
	blocks  map[block.BlockRef]*block.VerifiedBlock
	// per authority, refs sorted by (round, digest)
	authorRefs [][]block.BlockRef
	byRound    map[block.Round][]*block.VerifiedBlock
	highest    block.Round

	committed  map[block.BlockRef]struct{}
	lastCommit *block.Commit

	// written to the store on Flush
	blocksToWrite  []*block.VerifiedBlock
	commitsToWrite []*block.Commit
}

// NewDagState creates the DAG view and recovers accepted blocks and commits
// from the store.
func NewDagState(c *committee.Committee, store storage.Store, logger hclog.Logger, m *metrics.Metrics) (*DagState, error) {
	if m == nil {
		m = metrics.New("", nil)
	}
	d := &DagState{
		committee:  c,
		store:      store,
		logger:     logger,
		metrics:    m,
		genesis:    make(map[block.BlockRef]*block.VerifiedBlock),
		blocks:     make(map[block.BlockRef]*block.VerifiedBlock),
		authorRefs: make([][]block.BlockRef, c.Size()),
		byRound:    make(map[block.Round][]*block.VerifiedBlock),
		committed:  make(map[block.BlockRef]struct{}),
	}
	for _, g := range block.GenesisBlocks(c.Size()) {
		d.genesis[g.Reference()] = g
	}
	if err := d.recover(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DagState) recover() error {
	var recovered int
	for i := 0; i < d.committee.Size(); i++ {
		blocks, err := d.store.ScanBlocksByAuthor(block.AuthorityIndex(i), block.GenesisRound+1)
		if err != nil {
			return fmt.Errorf("recover blocks of %s: %w", block.AuthorityIndex(i), err)
		}
		for _, b := range blocks {
			if d.insert(b) {
				recovered++
			}
		}
	}
	last, err := d.store.ReadLastCommit()
	if err != nil {
		return fmt.Errorf("recover last commit: %w", err)
	}
	if last != nil {
		commits, err := d.store.ScanCommits(1, last.Index)
		if err != nil {
			return fmt.Errorf("recover commits: %w", err)
		}
		for _, c := range commits {
			for _, ref := range c.Blocks {
				d.committed[ref] = struct{}{}
			}
		}
		d.lastCommit = last
		d.metrics.LastCommitIndex.Set(float64(last.Index))
	}
	if recovered > 0 || last != nil {
		d.logger.Info("recovered dag state", "blocks", recovered, "highest_round", d.highest,
			"last_commit_index", d.lastCommitIndexLocked())
	}
	return nil
}

func (d *DagState) Committee() *committee.Committee {
	return d.committee
}

func (d *DagState) checkAuthority(a block.AuthorityIndex) {
	if !d.committee.IsValidIndex(uint32(a)) {
		panic(fmt.Sprintf("authority %d is not in the committee of size %d", a, d.committee.Size()))
	}
}

// Accept inserts a block. It returns false when the block was already
// accepted. The block is visible to readers when Accept returns.
func (d *DagState) Accept(b *block.VerifiedBlock) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.acceptLocked(b)
}

// AcceptBlocks inserts blocks atomically with respect to readers and
// returns the ones that were not already present.
func (d *DagState) AcceptBlocks(blocks []*block.VerifiedBlock) []*block.VerifiedBlock {
	d.lock.Lock()
	defer d.lock.Unlock()
	var accepted []*block.VerifiedBlock
	for _, b := range blocks {
		if d.acceptLocked(b) {
			accepted = append(accepted, b)
		}
	}
	return accepted
}

func (d *DagState) acceptLocked(b *block.VerifiedBlock) bool {
	d.checkAuthority(b.Author())
	if b.Round() == block.GenesisRound {
		panic(fmt.Sprintf("cannot accept genesis round block %s", b.Reference()))
	}
	if !d.insert(b) {
		return false
	}
	d.blocksToWrite = append(d.blocksToWrite, b)
	d.metrics.AcceptedBlocks.Inc()
	return true
}

func (d *DagState) insert(b *block.VerifiedBlock) bool {
	ref := b.Reference()
	if _, ok := d.blocks[ref]; ok {
		return false
	}
	d.blocks[ref] = b
	refs := d.authorRefs[ref.Author]
	i := sort.Search(len(refs), func(i int) bool { return !refs[i].Less(ref) })
	refs = append(refs, block.BlockRef{})
	copy(refs[i+1:], refs[i:])
	refs[i] = ref
	d.authorRefs[ref.Author] = refs
	d.byRound[ref.Round] = append(d.byRound[ref.Round], b)
	if ref.Round > d.highest {
		d.highest = ref.Round
		d.metrics.HighestAcceptedRound.Set(float64(ref.Round))
	}
	return true
}

// GetCachedBlocks returns every accepted block of authority with round >=
// fromRound, ordered by (round, digest).
func (d *DagState) GetCachedBlocks(authority block.AuthorityIndex, fromRound block.Round) []*block.VerifiedBlock {
	d.checkAuthority(authority)
	d.lock.RLock()
	defer d.lock.RUnlock()
	refs := d.authorRefs[authority]
	start := sort.Search(len(refs), func(i int) bool { return refs[i].Round >= fromRound })
	out := make([]*block.VerifiedBlock, 0, len(refs)-start)
	for _, ref := range refs[start:] {
		out = append(out, d.blocks[ref])
	}
	return out
}

// GetBlock looks the block up in memory, then in genesis, then in the store.
func (d *DagState) GetBlock(ref block.BlockRef) *block.VerifiedBlock {
	return d.GetBlocks([]block.BlockRef{ref})[0]
}

// GetBlocks returns one entry per ref, nil where the block is unknown.
func (d *DagState) GetBlocks(refs []block.BlockRef) []*block.VerifiedBlock {
	for _, ref := range refs {
		d.checkAuthority(ref.Author)
	}
	out := make([]*block.VerifiedBlock, len(refs))
	var missing []int
	d.lock.RLock()
	for i, ref := range refs {
		if b := d.getLocked(ref); b != nil {
			out[i] = b
			continue
		}
		missing = append(missing, i)
	}
	d.lock.RUnlock()
	if len(missing) == 0 {
		return out
	}
	toRead := make([]block.BlockRef, len(missing))
	for j, i := range missing {
		toRead[j] = refs[i]
	}
	stored, err := d.store.ReadBlocks(toRead)
	if err != nil {
		d.logger.Error("fail to read blocks from the store", "error", err)
		return out
	}
	for j, i := range missing {
		out[i] = stored[j]
	}
	return out
}

func (d *DagState) getLocked(ref block.BlockRef) *block.VerifiedBlock {
	if b, ok := d.blocks[ref]; ok {
		return b
	}
	return d.genesis[ref]
}

func (d *DagState) ContainsBlock(ref block.BlockRef) bool {
	return d.ContainsBlocks([]block.BlockRef{ref})[0]
}

func (d *DagState) ContainsBlocks(refs []block.BlockRef) []bool {
	for _, ref := range refs {
		d.checkAuthority(ref.Author)
	}
	d.lock.RLock()
	defer d.lock.RUnlock()
	out := make([]bool, len(refs))
	for i, ref := range refs {
		out[i] = d.getLocked(ref) != nil
	}
	return out
}

// BlocksAtSlot returns every accepted block at the slot, sorted by digest.
// A Byzantine author may have several.
func (d *DagState) BlocksAtSlot(slot block.Slot) []*block.VerifiedBlock {
	d.checkAuthority(slot.Authority)
	d.lock.RLock()
	defer d.lock.RUnlock()
	return d.blocksAtSlotLocked(slot)
}

func (d *DagState) blocksAtSlotLocked(slot block.Slot) []*block.VerifiedBlock {
	if slot.Round == block.GenesisRound {
		for ref, g := range d.genesis {
			if ref.Author == slot.Authority {
				return []*block.VerifiedBlock{g}
			}
		}
		return nil
	}
	refs := d.authorRefs[slot.Authority]
	start := sort.Search(len(refs), func(i int) bool { return refs[i].Round >= slot.Round })
	var out []*block.VerifiedBlock
	for _, ref := range refs[start:] {
		if ref.Round != slot.Round {
			break
		}
		out = append(out, d.blocks[ref])
	}
	return out
}

// BlocksAtRound returns the blocks of all authorities at round, sorted.
func (d *DagState) BlocksAtRound(round block.Round) []*block.VerifiedBlock {
	d.lock.RLock()
	defer d.lock.RUnlock()
	var out []*block.VerifiedBlock
	if round == block.GenesisRound {
		for _, g := range d.genesis {
			out = append(out, g)
		}
	} else {
		out = append(out, d.byRound[round]...)
	}
	block.SortBlocks(out)
	return out
}

// AncestorsAtRound returns the blocks at round that are in the causal history
// of later, sorted. Parents that are not in the DAG are ignored.
func (d *DagState) AncestorsAtRound(later *block.VerifiedBlock, round block.Round) []*block.VerifiedBlock {
	d.lock.RLock()
	defer d.lock.RUnlock()
	if later.Round() < round {
		return nil
	}
	if later.Round() == round {
		return []*block.VerifiedBlock{later}
	}
	var out []*block.VerifiedBlock
	visited := map[block.BlockRef]struct{}{later.Reference(): {}}
	queue := []*block.VerifiedBlock{later}
	for len(queue) > 0 {
		b := queue[0]
		queue = queue[1:]
		for _, p := range b.Parents() {
			if p.Round < round {
				continue
			}
			if _, ok := visited[p]; ok {
				continue
			}
			visited[p] = struct{}{}
			parent := d.getLocked(p)
			if parent == nil {
				continue
			}
			if p.Round == round {
				out = append(out, parent)
			} else {
				queue = append(queue, parent)
			}
		}
	}
	block.SortBlocks(out)
	return out
}

// HighestAcceptedRound returns the highest round of any accepted block, or
// the genesis round when nothing was accepted.
func (d *DagState) HighestAcceptedRound() block.Round {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return d.highest
}

// HighestAcceptedRounds returns, per authority, the highest accepted round.
func (d *DagState) HighestAcceptedRounds() []block.Round {
	d.lock.RLock()
	defer d.lock.RUnlock()
	out := make([]block.Round, len(d.authorRefs))
	for i, refs := range d.authorRefs {
		if len(refs) > 0 {
			out[i] = refs[len(refs)-1].Round
		}
	}
	return out
}

func (d *DagState) LastCommitIndex() block.CommitIndex {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return d.lastCommitIndexLocked()
}

func (d *DagState) lastCommitIndexLocked() block.CommitIndex {
	if d.lastCommit == nil {
		return block.GenesisCommitIndex
	}
	return d.lastCommit.Index
}

// LastCommit returns nil when nothing was committed.
func (d *DagState) LastCommit() *block.Commit {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return d.lastCommit
}

// AddCommit appends to the commit sequence. The index must follow the last
// one; a commit at or below the last index was already recorded and is
// ignored. Any gap is a bug in the caller.
func (d *DagState) AddCommit(c *block.Commit) {
	d.lock.Lock()
	defer d.lock.Unlock()
	last := d.lastCommitIndexLocked()
	if c.Index <= last {
		d.logger.Warn("commit already recorded", "index", c.Index, "last_commit_index", last)
		return
	}
	if c.Index != last+1 {
		panic(fmt.Sprintf("commit index %d does not follow last commit index %d", c.Index, last))
	}
	for _, ref := range c.Blocks {
		d.committed[ref] = struct{}{}
	}
	d.lastCommit = c
	d.commitsToWrite = append(d.commitsToWrite, c)
	d.metrics.LastCommitIndex.Set(float64(c.Index))
	d.metrics.CommittedBlocks.Add(float64(len(c.Blocks)))
}

func (d *DagState) IsCommitted(ref block.BlockRef) bool {
	d.lock.RLock()
	defer d.lock.RUnlock()
	_, ok := d.committed[ref]
	return ok
}

// SetCommitted marks ref as sequenced and reports whether it was not already.
func (d *DagState) SetCommitted(ref block.BlockRef) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	if _, ok := d.committed[ref]; ok {
		return false
	}
	d.committed[ref] = struct{}{}
	return true
}

// ScanCommits returns the commits with index in [from, to], including the
// ones not flushed yet.
func (d *DagState) ScanCommits(from, to block.CommitIndex) ([]*block.Commit, error) {
	if from > to {
		return nil, nil
	}
	d.lock.RLock()
	buffered := append([]*block.Commit(nil), d.commitsToWrite...)
	d.lock.RUnlock()

	out, err := d.store.ScanCommits(from, to)
	if err != nil {
		return nil, err
	}
	next := from
	if len(out) > 0 {
		next = out[len(out)-1].Index + 1
	}
	for _, c := range buffered {
		if c.Index >= next && c.Index <= to {
			out = append(out, c)
			next = c.Index + 1
		}
	}
	return out, nil
}

// Flush persists the blocks and commits recorded since the last flush.
// They stay readable from memory until the store has them.
func (d *DagState) Flush() error {
	d.flushLock.Lock()
	defer d.flushLock.Unlock()

	d.lock.RLock()
	batch := storage.WriteBatch{
		Blocks:  append([]*block.VerifiedBlock(nil), d.blocksToWrite...),
		Commits: append([]*block.Commit(nil), d.commitsToWrite...),
	}
	d.lock.RUnlock()
	if batch.Empty() {
		return nil
	}
	if err := d.store.Write(batch); err != nil {
		return fmt.Errorf("flush %d blocks and %d commits: %w", len(batch.Blocks), len(batch.Commits), err)
	}

	d.lock.Lock()
	d.blocksToWrite = d.blocksToWrite[len(batch.Blocks):]
	d.commitsToWrite = d.commitsToWrite[len(batch.Commits):]
	d.lock.Unlock()
	d.logger.Debug("flushed dag state", "blocks", len(batch.Blocks), "commits", len(batch.Commits))
	return nil
}
