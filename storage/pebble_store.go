package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/gitzhang10/CommitDAG/block"
)

const (
	blockPrefix  byte = 'b'
	commitPrefix byte = 'c'
)

// PebbleStore persists blocks and commits in a pebble database.
//
// Key layout:
//
//	'b' | author (4, BE) | round (8, BE) | digest (32)  -> serialized block
//	'c' | index (8, BE)                                -> serialized commit
type PebbleStore struct {
	db *pebble.DB
	wo *pebble.WriteOptions
}

// NewPebbleStore opens (or creates) the database at dir. With inMem set the
// database lives in memory and dir is only used as a name.
func NewPebbleStore(dir string, inMem bool) (*PebbleStore, error) {
	cache := pebble.NewCache(64 << 20)
	defer cache.Unref()
	opts := &pebble.Options{
		Cache:        cache,
		MemTableSize: 16 << 20,
	}
	if inMem {
		opts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", dir, err)
	}
	return &PebbleStore{db: db, wo: &pebble.WriteOptions{Sync: true}}, nil
}

func blockKey(ref block.BlockRef) []byte {
	key := make([]byte, 1+4+8+block.DigestLength)
	key[0] = blockPrefix
	binary.BigEndian.PutUint32(key[1:5], uint32(ref.Author))
	binary.BigEndian.PutUint64(key[5:13], uint64(ref.Round))
	copy(key[13:], ref.Digest[:])
	return key
}

func authorKey(author block.AuthorityIndex, round block.Round) []byte {
	key := make([]byte, 1+4+8)
	key[0] = blockPrefix
	binary.BigEndian.PutUint32(key[1:5], uint32(author))
	binary.BigEndian.PutUint64(key[5:13], uint64(round))
	return key
}

func commitKey(index block.CommitIndex) []byte {
	key := make([]byte, 1+8)
	key[0] = commitPrefix
	binary.BigEndian.PutUint64(key[1:], uint64(index))
	return key
}

// prefixEnd returns the smallest key greater than every key with prefix p.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *PebbleStore) Write(batch WriteBatch) error {
	wb := s.db.NewBatch()
	defer wb.Close()
	for _, b := range batch.Blocks {
		if err := wb.Set(blockKey(b.Reference()), b.Serialized(), nil); err != nil {
			return err
		}
	}
	for _, c := range batch.Commits {
		data, err := c.Serialize()
		if err != nil {
			return fmt.Errorf("serialize %s: %w", c, err)
		}
		if err := wb.Set(commitKey(c.Index), data, nil); err != nil {
			return err
		}
	}
	return wb.Commit(s.wo)
}

func (s *PebbleStore) get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	ret := make([]byte, len(value))
	copy(ret, value)
	return ret, nil
}

func (s *PebbleStore) ReadBlocks(refs []block.BlockRef) ([]*block.VerifiedBlock, error) {
	out := make([]*block.VerifiedBlock, len(refs))
	for i, ref := range refs {
		data, err := s.get(blockKey(ref))
		if err != nil {
			return nil, err
		}
		if data == nil {
			continue
		}
		b, err := block.ParseVerifiedBlock(data)
		if err != nil {
			return nil, fmt.Errorf("stored block %s: %w", ref, err)
		}
		out[i] = b
	}
	return out, nil
}

func (s *PebbleStore) ContainsBlocks(refs []block.BlockRef) ([]bool, error) {
	out := make([]bool, len(refs))
	for i, ref := range refs {
		_, closer, err := s.db.Get(blockKey(ref))
		if errors.Is(err, pebble.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		closer.Close()
		out[i] = true
	}
	return out, nil
}

func (s *PebbleStore) ScanBlocksByAuthor(author block.AuthorityIndex, from block.Round) ([]*block.VerifiedBlock, error) {
	prefix := authorKey(author, 0)[:5]
	iter := s.db.NewIter(&pebble.IterOptions{
		LowerBound: authorKey(author, from),
		UpperBound: prefixEnd(prefix),
	})
	defer iter.Close()
	var out []*block.VerifiedBlock
	for iter.First(); iter.Valid(); iter.Next() {
		b, err := block.ParseVerifiedBlock(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("stored block of %s: %w", author, err)
		}
		out = append(out, b)
	}
	return out, iter.Error()
}

func (s *PebbleStore) ReadLastCommit() (*block.Commit, error) {
	iter := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{commitPrefix},
		UpperBound: []byte{commitPrefix + 1},
	})
	defer iter.Close()
	if !iter.Last() {
		return nil, iter.Error()
	}
	return block.ParseCommit(append([]byte(nil), iter.Value()...))
}

func (s *PebbleStore) ScanCommits(from, to block.CommitIndex) ([]*block.Commit, error) {
	if from > to {
		return nil, nil
	}
	opts := &pebble.IterOptions{LowerBound: commitKey(from)}
	if to < ^block.CommitIndex(0) {
		opts.UpperBound = commitKey(to + 1)
	} else {
		opts.UpperBound = []byte{commitPrefix + 1}
	}
	iter := s.db.NewIter(opts)
	defer iter.Close()
	var out []*block.Commit
	for iter.First(); iter.Valid(); iter.Next() {
		c, err := block.ParseCommit(append([]byte(nil), iter.Value()...))
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, iter.Error()
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
