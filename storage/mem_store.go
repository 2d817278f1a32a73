package storage

import (
	"sort"

	"github.com/algorand/go-deadlock"
	"github.com/gitzhang10/CommitDAG/block"
)

// MemStore keeps everything in maps. It is used by tests and by nodes
// configured with store.in_memory.
type MemStore struct {
	lock     deadlock.RWMutex
	blocks   map[block.BlockRef]*block.VerifiedBlock
	byAuthor map[block.AuthorityIndex][]block.BlockRef
	commits  []*block.Commit // commits[i] has index i+1
	closed   bool
}

func NewMemStore() *MemStore {
	return &MemStore{
		blocks:   make(map[block.BlockRef]*block.VerifiedBlock),
		byAuthor: make(map[block.AuthorityIndex][]block.BlockRef),
	}
}

func (s *MemStore) Write(batch WriteBatch) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, b := range batch.Blocks {
		ref := b.Reference()
		if _, ok := s.blocks[ref]; ok {
			continue
		}
		s.blocks[ref] = b
		refs := append(s.byAuthor[ref.Author], ref)
		block.SortRefs(refs)
		s.byAuthor[ref.Author] = refs
	}
	for _, c := range batch.Commits {
		if int(c.Index) != len(s.commits)+1 {
			continue
		}
		s.commits = append(s.commits, c)
	}
	return nil
}

func (s *MemStore) ReadBlocks(refs []block.BlockRef) ([]*block.VerifiedBlock, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]*block.VerifiedBlock, len(refs))
	for i, ref := range refs {
		out[i] = s.blocks[ref]
	}
	return out, nil
}

func (s *MemStore) ContainsBlocks(refs []block.BlockRef) ([]bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]bool, len(refs))
	for i, ref := range refs {
		_, out[i] = s.blocks[ref]
	}
	return out, nil
}

func (s *MemStore) ScanBlocksByAuthor(author block.AuthorityIndex, from block.Round) ([]*block.VerifiedBlock, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	refs := s.byAuthor[author]
	start := sort.Search(len(refs), func(i int) bool { return refs[i].Round >= from })
	out := make([]*block.VerifiedBlock, 0, len(refs)-start)
	for _, ref := range refs[start:] {
		out = append(out, s.blocks[ref])
	}
	return out, nil
}

func (s *MemStore) ReadLastCommit() (*block.Commit, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if len(s.commits) == 0 {
		return nil, nil
	}
	return s.commits[len(s.commits)-1], nil
}

func (s *MemStore) ScanCommits(from, to block.CommitIndex) ([]*block.Commit, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []*block.Commit
	if from == 0 {
		from = 1
	}
	for i := from; i <= to && int(i) <= len(s.commits); i++ {
		out = append(out, s.commits[i-1])
	}
	return out, nil
}

func (s *MemStore) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closed = true
	return nil
}
