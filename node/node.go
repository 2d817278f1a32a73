/*
Package node wires the consensus core together. Blocks enter through
AcceptBlocks, wait in the pending pool until their parents are known, are
inserted into the DAG and then published to observers. Every insertion gives
the committer a chance to decide more leaders and extend the commit sequence.
*/
package node

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/algorand/go-deadlock"
	"github.com/gitzhang10/CommitDAG/block"
	"github.com/gitzhang10/CommitDAG/broadcast"
	"github.com/gitzhang10/CommitDAG/committee"
	"github.com/gitzhang10/CommitDAG/committer"
	"github.com/gitzhang10/CommitDAG/config"
	"github.com/gitzhang10/CommitDAG/dag"
	"github.com/gitzhang10/CommitDAG/metrics"
	"github.com/gitzhang10/CommitDAG/observer"
	"github.com/gitzhang10/CommitDAG/storage"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type Node struct {
	name string
	// serializes the acceptance pipeline; DagState has its own lock for readers
	lock          deadlock.Mutex
	pendingBlocks map[block.Round]map[block.BlockRef]*block.VerifiedBlock // blocks waiting for parents
	lastDecided   block.Slot

	conf       *config.Config
	committee  *committee.Committee
	store      storage.Store
	dag        *dag.DagState
	committer  *committer.UniversalCommitter
	linearizer *committer.Linearizer
	feed       *broadcast.Broadcaster[observer.ExtendedBlock]
	service    *observer.ObserverService

	logger   hclog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

// NewNode opens the store, recovers the DAG and prepares the observer
// service. Nothing listens until Serve is called.
func NewNode(conf *config.Config, logger hclog.Logger) (*Node, error) {
	c, err := conf.NewCommittee()
	if err != nil {
		return nil, err
	}
	schedule, err := committer.NewLeaderSchedule(c, conf.LeaderMode, conf.LeaderSeed)
	if err != nil {
		return nil, err
	}

	var store storage.Store
	switch conf.StoreEngine {
	case config.StoreEngineMemory:
		store = storage.NewMemStore()
	default:
		store, err = storage.NewPebbleStore(conf.StorePath, conf.StoreInMemory)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New("commitdag", registry)

	d, err := dag.NewDagState(c, store, logger.Named("dag"), m)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("recover dag state: %w", err)
	}

	n := &Node{
		name:          conf.Name,
		pendingBlocks: make(map[block.Round]map[block.BlockRef]*block.VerifiedBlock),
		conf:          conf,
		committee:     c,
		store:         store,
		dag:           d,
		committer:     committer.NewUniversalCommitter(d, schedule, logger.Named("committer"), m),
		linearizer:    committer.NewLinearizer(d, logger.Named("linearizer")),
		feed:          broadcast.New[observer.ExtendedBlock](conf.FeedCapacity),
		logger:        logger,
		registry:      registry,
		metrics:       m,
	}
	if last := d.LastCommit(); last != nil {
		n.lastDecided = last.Leader.Slot()
	}

	cfg := observer.Config{
		MaxFetchBlocks:  conf.MaxFetchBlocks,
		MaxFetchCommits: conf.MaxFetchCommits,
	}
	if conf.AcceptPushedBlocks {
		cfg.Ingress = n
	}
	n.service = observer.NewObserverService(d, n, cfg, logger.Named("observer"), m)

	n.logger.Info("node is ready", "node", n.name, "authorities", c.Size(),
		"highest_round", d.HighestAcceptedRound(), "last_commit_index", d.LastCommitIndex())
	return n, nil
}

func (n *Node) Committee() *committee.Committee {
	return n.committee
}

func (n *Node) DagState() *dag.DagState {
	return n.dag
}

func (n *Node) Service() *observer.ObserverService {
	return n.service
}

func (n *Node) Registry() *prometheus.Registry {
	return n.registry
}

// Subscribe returns a receiver of every block accepted from now on.
func (n *Node) Subscribe() *broadcast.Receiver[observer.ExtendedBlock] {
	return n.feed.Subscribe()
}

// HandleReceivedBlock accepts a block pushed by a peer.
func (n *Node) HandleReceivedBlock(ctx context.Context, b *block.VerifiedBlock) error {
	_, err := n.AcceptBlocks([]*block.VerifiedBlock{b})
	return err
}

// AcceptBlocks verifies blocks and inserts the ones whose parents are known,
// together with any pending block they unblock. Blocks with missing parents
// wait in the pending pool. Invalid blocks are dropped and reported in the
// returned error; the valid ones are still processed. It returns the blocks
// newly inserted into the DAG.
func (n *Node) AcceptBlocks(blocks []*block.VerifiedBlock) ([]*block.VerifiedBlock, error) {
	n.lock.Lock()
	defer n.lock.Unlock()

	var errs []error
	for _, b := range blocks {
		if err := b.Verify(n.committee); err != nil {
			n.logger.Warn("drop invalid block", "node", n.name, "block", b, "error", err)
			errs = append(errs, err)
			continue
		}
		if n.dag.ContainsBlock(b.Reference()) {
			continue
		}
		n.storePendingBlock(b)
	}

	accepted := n.tryToUpdateDAGFromPending()
	if len(accepted) == 0 {
		return nil, errors.Join(errs...)
	}
	if err := n.dag.Flush(); err != nil {
		errs = append(errs, err)
	}
	// the DAG has them before anyone is told
	commitIndex := n.dag.LastCommitIndex()
	for _, b := range accepted {
		n.feed.Send(observer.ExtendedBlock{Block: b, CommitIndex: commitIndex})
	}
	n.logger.Debug("accepted blocks", "node", n.name, "count", len(accepted), "highest_round", n.dag.HighestAcceptedRound())

	if err := n.tryToCommit(); err != nil {
		errs = append(errs, err)
	}
	return accepted, errors.Join(errs...)
}

func (n *Node) storePendingBlock(b *block.VerifiedBlock) {
	if _, ok := n.pendingBlocks[b.Round()]; !ok {
		n.pendingBlocks[b.Round()] = make(map[block.BlockRef]*block.VerifiedBlock)
	}
	n.pendingBlocks[b.Round()][b.Reference()] = b
}

// tryToUpdateDAGFromPending inserts every pending block whose parents are all
// in the DAG. Rounds are visited in ascending order, so a block unblocked by
// a lower round is inserted in the same pass.
func (n *Node) tryToUpdateDAGFromPending() []*block.VerifiedBlock {
	rounds := make([]block.Round, 0, len(n.pendingBlocks))
	for r := range n.pendingBlocks {
		rounds = append(rounds, r)
	}
	sort.Slice(rounds, func(i, j int) bool { return rounds[i] < rounds[j] })

	var accepted []*block.VerifiedBlock
	for _, r := range rounds {
		var ready []*block.VerifiedBlock
		for ref, b := range n.pendingBlocks[r] {
			if n.checkWhetherCanAddToDAG(b) {
				ready = append(ready, b)
				delete(n.pendingBlocks[r], ref)
			}
		}
		if len(n.pendingBlocks[r]) == 0 {
			delete(n.pendingBlocks, r)
		}
		block.SortBlocks(ready)
		accepted = append(accepted, n.dag.AcceptBlocks(ready)...)
	}

	var pending int
	for _, blocks := range n.pendingBlocks {
		pending += len(blocks)
	}
	n.metrics.PendingBlocks.Set(float64(pending))
	return accepted
}

func (n *Node) checkWhetherCanAddToDAG(b *block.VerifiedBlock) bool {
	for _, ok := range n.dag.ContainsBlocks(b.Parents()) {
		if !ok {
			return false
		}
	}
	return true
}

// PendingBlocks returns the number of blocks waiting for parents.
func (n *Node) PendingBlocks() int {
	n.lock.Lock()
	defer n.lock.Unlock()
	var pending int
	for _, blocks := range n.pendingBlocks {
		pending += len(blocks)
	}
	return pending
}

// tryToCommit decides the leader slots above the last decided one and turns
// the committed leaders into commits.
func (n *Node) tryToCommit() error {
	decided := n.committer.TryDecide(n.lastDecided)
	if len(decided) == 0 {
		return nil
	}
	n.lastDecided = decided[len(decided)-1].Slot

	var leaders []*block.VerifiedBlock
	for _, s := range decided {
		if s.Decision == committer.Commit {
			leaders = append(leaders, s.Block)
		}
	}
	commits := n.linearizer.HandleCommit(leaders)
	if len(commits) == 0 {
		return nil
	}
	return n.dag.Flush()
}

// Close ends every block stream and closes the store.
func (n *Node) Close() error {
	n.feed.Close()
	n.lock.Lock()
	defer n.lock.Unlock()
	if err := n.dag.Flush(); err != nil {
		n.logger.Error("failed to flush on close", "error", err)
	}
	return n.store.Close()
}
