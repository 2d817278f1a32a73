/*
Package observer serves the accepted DAG to peers. A peer asks for every block
above its own highest round per authority and then keeps receiving blocks as
they are accepted. Point lookups of blocks and commits read the same DagState.
Service is bound to TCP frames and to gRPC by the servers in this package.
*/
package observer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/gitzhang10/CommitDAG/block"
	"github.com/gitzhang10/CommitDAG/broadcast"
	"github.com/gitzhang10/CommitDAG/committee"
	"github.com/gitzhang10/CommitDAG/dag"
	"github.com/gitzhang10/CommitDAG/metrics"
	"github.com/hashicorp/go-hclog"
)

const (
	DefaultMaxFetchBlocks  = 256
	DefaultMaxFetchCommits = 128
)

// Service is what a transport binding dispatches peer requests to.
type Service interface {
	HandleSendBlock(ctx context.Context, peer string, serialized []byte) error
	HandleStreamBlocks(ctx context.Context, peer string, highestRounds []block.Round) (*BlockStream, error)
	HandleFetchBlocks(ctx context.Context, peer string, refs []block.BlockRef) ([][]byte, error)
	HandleFetchCommits(ctx context.Context, peer string, start, end block.CommitIndex) ([][]byte, error)
}

// ExtendedBlock is published on the live feed for every accepted block,
// together with the commit index at acceptance time.
type ExtendedBlock struct {
	Block       *block.VerifiedBlock
	CommitIndex block.CommitIndex
}

// Feed hands out live subscriptions to accepted blocks.
type Feed interface {
	Subscribe() *broadcast.Receiver[ExtendedBlock]
}

// BlockIngress accepts blocks pushed by peers.
type BlockIngress interface {
	HandleReceivedBlock(ctx context.Context, b *block.VerifiedBlock) error
}

type Config struct {
	MaxFetchBlocks  int
	MaxFetchCommits int
	// Ingress enables SendBlock. Without it pushed blocks are refused.
	Ingress BlockIngress
}

type ObserverService struct {
	committee *committee.Committee
	dag       *dag.DagState
	feed      Feed
	ingress   BlockIngress
	logger    hclog.Logger
	metrics   *metrics.Metrics

	maxFetchBlocks  int
	maxFetchCommits int

	// called between subscribing and reading the snapshot; tests only
	afterSubscribe func()
}

func NewObserverService(d *dag.DagState, feed Feed, cfg Config, logger hclog.Logger, m *metrics.Metrics) *ObserverService {
	if m == nil {
		m = metrics.New("", nil)
	}
	if cfg.MaxFetchBlocks <= 0 {
		cfg.MaxFetchBlocks = DefaultMaxFetchBlocks
	}
	if cfg.MaxFetchCommits <= 0 {
		cfg.MaxFetchCommits = DefaultMaxFetchCommits
	}
	return &ObserverService{
		committee:       d.Committee(),
		dag:             d,
		feed:            feed,
		ingress:         cfg.Ingress,
		logger:          logger,
		metrics:         m,
		maxFetchBlocks:  cfg.MaxFetchBlocks,
		maxFetchCommits: cfg.MaxFetchCommits,
	}
}

// HandleStreamBlocks returns every accepted block above highestRounds,
// followed by blocks accepted from now on. The live subscription is taken
// before the snapshot is read, so a block accepted in between may show up
// twice but never goes missing.
func (s *ObserverService) HandleStreamBlocks(ctx context.Context, peer string, highestRounds []block.Round) (*BlockStream, error) {
	if len(highestRounds) != s.committee.Size() {
		err := &InvalidSizeOfHighestAcceptedRoundsError{Expected: s.committee.Size(), Got: len(highestRounds)}
		s.metrics.RecordRequest("stream_blocks", err)
		return nil, err
	}

	receiver := s.feed.Subscribe()
	if s.afterSubscribe != nil {
		s.afterSubscribe()
	}

	commitIndex := s.dag.LastCommitIndex()
	var missing []*block.VerifiedBlock
	for a, h := range highestRounds {
		if h == math.MaxUint64 {
			continue
		}
		missing = append(missing, s.dag.GetCachedBlocks(block.AuthorityIndex(a), h+1)...)
	}
	block.SortBlocks(missing)

	history := make([]StreamItem, len(missing))
	for i, b := range missing {
		history[i] = StreamItem{Block: b.Serialized(), HighestCommitIndex: uint64(commitIndex)}
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream := &BlockStream{
		ctx:      streamCtx,
		cancel:   cancel,
		peer:     peer,
		history:  history,
		receiver: receiver,
		logger:   s.logger,
		metrics:  s.metrics,
	}
	s.metrics.ActiveStreams.Inc()
	s.metrics.RecordRequest("stream_blocks", nil)
	go func() {
		<-streamCtx.Done()
		stream.Close()
	}()

	s.logger.Debug("peer subscribed to blocks", "peer", peer, "missing", len(history), "commit_index", commitIndex)
	return stream, nil
}

// HandleFetchBlocks returns the serialized blocks found, in request order.
func (s *ObserverService) HandleFetchBlocks(ctx context.Context, peer string, refs []block.BlockRef) ([][]byte, error) {
	out, err := s.fetchBlocks(refs)
	s.metrics.RecordRequest("fetch_blocks", err)
	return out, err
}

func (s *ObserverService) fetchBlocks(refs []block.BlockRef) ([][]byte, error) {
	if len(refs) > s.maxFetchBlocks {
		return nil, fmt.Errorf("%w: %d refs exceed the limit of %d", ErrInvalidRequest, len(refs), s.maxFetchBlocks)
	}
	for _, ref := range refs {
		if !s.committee.IsValidIndex(uint32(ref.Author)) {
			return nil, fmt.Errorf("%w: unknown authority in %s", ErrInvalidRequest, ref)
		}
	}
	blocks := s.dag.GetBlocks(refs)
	out := make([][]byte, 0, len(blocks))
	for _, b := range blocks {
		if b != nil {
			out = append(out, b.Serialized())
		}
	}
	return out, nil
}

// HandleFetchCommits returns the serialized commits with index in
// [start, end]. The range is cut to the configured limit.
func (s *ObserverService) HandleFetchCommits(ctx context.Context, peer string, start, end block.CommitIndex) ([][]byte, error) {
	out, err := s.fetchCommits(start, end)
	s.metrics.RecordRequest("fetch_commits", err)
	return out, err
}

func (s *ObserverService) fetchCommits(start, end block.CommitIndex) ([][]byte, error) {
	if start > end {
		return nil, fmt.Errorf("%w: commit range [%d, %d] is empty", ErrInvalidRequest, start, end)
	}
	if end-start >= block.CommitIndex(s.maxFetchCommits) {
		end = start + block.CommitIndex(s.maxFetchCommits) - 1
	}
	commits, err := s.dag.ScanCommits(start, end)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(commits))
	for _, c := range commits {
		data, err := c.Serialize()
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

// HandleSendBlock verifies a block pushed by a peer and hands it to the
// ingress.
func (s *ObserverService) HandleSendBlock(ctx context.Context, peer string, serialized []byte) error {
	err := s.sendBlock(ctx, serialized)
	s.metrics.RecordRequest("send_block", err)
	if err != nil {
		s.logger.Debug("rejected pushed block", "peer", peer, "error", err)
	}
	return err
}

func (s *ObserverService) sendBlock(ctx context.Context, serialized []byte) error {
	if s.ingress == nil {
		return fmt.Errorf("%w: pushed blocks are not accepted", ErrUnimplemented)
	}
	b, err := block.ParseVerifiedBlock(serialized)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := b.Verify(s.committee); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return s.ingress.HandleReceivedBlock(ctx, b)
}

// BlockStream yields the missing blocks first and then live ones. It is not
// safe for concurrent Recv calls.
type BlockStream struct {
	ctx     context.Context
	cancel  context.CancelFunc
	peer    string
	history []StreamItem

	receiver *broadcast.Receiver[ExtendedBlock]
	logger   hclog.Logger
	metrics  *metrics.Metrics

	closeOnce sync.Once
}

// Recv returns the next item. It returns io.EOF once the live feed is closed
// and the context error once the stream is cancelled.
func (s *BlockStream) Recv() (StreamItem, error) {
	if len(s.history) > 0 {
		item := s.history[0]
		s.history = s.history[1:]
		s.metrics.StreamedItems.WithLabelValues("history").Inc()
		return item, nil
	}
	for {
		eb, err := s.receiver.Recv(s.ctx)
		if err == nil {
			s.metrics.StreamedItems.WithLabelValues("live").Inc()
			return StreamItem{Block: eb.Block.Serialized(), HighestCommitIndex: uint64(eb.CommitIndex)}, nil
		}
		var lagged *broadcast.LaggedError
		switch {
		case errors.As(err, &lagged):
			s.logger.Warn("block stream lagged behind the live feed", "peer", s.peer, "missed", lagged.Missed)
			s.metrics.StreamLagged.Inc()
		case errors.Is(err, broadcast.ErrClosed):
			if ctxErr := s.ctx.Err(); ctxErr != nil {
				return StreamItem{}, ctxErr
			}
			return StreamItem{}, io.EOF
		default:
			return StreamItem{}, err
		}
	}
}

// Close drops the live subscription.
func (s *BlockStream) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.receiver.Close()
		s.metrics.ActiveStreams.Dec()
	})
}
