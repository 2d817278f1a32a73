package node

import (
	"context"
	"math/rand"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gitzhang10/CommitDAG/block"
	"github.com/gitzhang10/CommitDAG/committer"
	"github.com/gitzhang10/CommitDAG/config"
	"github.com/gitzhang10/CommitDAG/dag/dagtest"
	"github.com/gitzhang10/CommitDAG/observer"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func testConfig(name string) *config.Config {
	conf := &config.Config{
		Name:              name,
		LogLevel:          int(hclog.Off),
		StoreEngine:       config.StoreEngineMemory,
		MaxPool:           2,
		FeedCapacity:      256,
		LeaderMode:        committer.RoundRobin,
		UpstreamTransport: config.TransportTCP,
	}
	for i := 0; i < 4; i++ {
		conf.Committee = append(conf.Committee, config.AuthorityConfig{Name: "node" + string(rune('0'+i)), Stake: 1})
	}
	return conf
}

func newTestNode(t *testing.T, conf *config.Config) *Node {
	t.Helper()
	n, err := NewNode(conf, hclog.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func TestAcceptBlocksOutOfOrder(t *testing.T) {
	n := newTestNode(t, testConfig("node0"))
	b := dagtest.NewBuilder(n.Committee())
	b.Layers(1, 4).Build()
	blocks := b.Blocks()
	rand.New(rand.NewSource(7)).Shuffle(len(blocks), func(i, j int) { blocks[i], blocks[j] = blocks[j], blocks[i] })

	var total int
	for _, v := range blocks {
		accepted, err := n.AcceptBlocks([]*block.VerifiedBlock{v})
		require.NoError(t, err)
		total += len(accepted)
	}
	require.Equal(t, 16, total)
	require.Zero(t, n.PendingBlocks())
	require.Equal(t, []block.Round{4, 4, 4, 4}, n.DagState().HighestAcceptedRounds())
}

func TestChildWaitsForParent(t *testing.T) {
	n := newTestNode(t, testConfig("node0"))
	b := dagtest.NewBuilder(n.Committee())
	parent := b.Layer(1).Authorities(0).Build()[0]
	child := b.Layer(2).Authorities(1).Parents(parent.Reference()).Build()[0]

	accepted, err := n.AcceptBlocks([]*block.VerifiedBlock{child})
	require.NoError(t, err)
	require.Empty(t, accepted)
	require.Equal(t, 1, n.PendingBlocks())
	require.False(t, n.DagState().ContainsBlock(child.Reference()))

	accepted, err = n.AcceptBlocks([]*block.VerifiedBlock{parent})
	require.NoError(t, err)
	require.Equal(t, []*block.VerifiedBlock{parent, child}, accepted)
	require.Zero(t, n.PendingBlocks())
}

func TestInvalidBlockIsDropped(t *testing.T) {
	n := newTestNode(t, testConfig("node0"))
	b := dagtest.NewBuilder(n.Committee())
	good := b.Layer(1).Authorities(2).Build()[0]
	bad, err := block.NewVerifiedBlock(&block.Block{Author: 9, Round: 1})
	require.NoError(t, err)

	accepted, err := n.AcceptBlocks([]*block.VerifiedBlock{bad, good})
	require.ErrorIs(t, err, block.ErrInvalidAuthority)
	require.Equal(t, []*block.VerifiedBlock{good}, accepted)
}

func TestAcceptedBlocksArePublished(t *testing.T) {
	n := newTestNode(t, testConfig("node0"))
	r := n.Subscribe()
	defer r.Close()

	b := dagtest.NewBuilder(n.Committee())
	b.Layers(1, 2).Build()
	accepted, err := n.AcceptBlocks(b.Blocks())
	require.NoError(t, err)
	require.Len(t, accepted, 8)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, want := range accepted {
		got, err := r.Recv(ctx)
		require.NoError(t, err)
		require.Equal(t, want.Reference(), got.Block.Reference())
		require.True(t, n.DagState().ContainsBlock(got.Block.Reference()))
	}

	// duplicates are not published again
	accepted, err = n.AcceptBlocks(b.Blocks())
	require.NoError(t, err)
	require.Empty(t, accepted)
}

func TestCommitsFollowAcceptance(t *testing.T) {
	n := newTestNode(t, testConfig("node0"))
	b := dagtest.NewBuilder(n.Committee())
	b.Layers(1, 11).Build()
	for _, v := range b.Blocks() {
		_, err := n.AcceptBlocks([]*block.VerifiedBlock{v})
		require.NoError(t, err)
	}

	d := n.DagState()
	require.Equal(t, block.CommitIndex(3), d.LastCommitIndex())
	commits, err := d.ScanCommits(1, 3)
	require.NoError(t, err)
	require.Len(t, commits, 3)
	for i, c := range commits {
		require.Equal(t, committer.LeaderRound(uint64(i+1)), c.Leader.Round)
	}
	// round robin: round 3 is D, round 6 is C, round 9 is B
	require.Equal(t, block.AuthorityIndex(3), commits[0].Leader.Author)
	require.Equal(t, block.AuthorityIndex(2), commits[1].Leader.Author)
	require.Equal(t, block.AuthorityIndex(1), commits[2].Leader.Author)
}

func TestRecoverFromPebble(t *testing.T) {
	conf := testConfig("node0")
	conf.StoreEngine = config.StoreEnginePebble
	conf.StorePath = t.TempDir()

	n, err := NewNode(conf, hclog.NewNullLogger())
	require.NoError(t, err)
	b := dagtest.NewBuilder(n.Committee())
	b.Layers(1, 8).Build()
	_, err = n.AcceptBlocks(b.Blocks())
	require.NoError(t, err)
	require.Equal(t, block.CommitIndex(2), n.DagState().LastCommitIndex())
	require.NoError(t, n.Close())

	n = newTestNode(t, conf)
	require.Equal(t, block.CommitIndex(2), n.DagState().LastCommitIndex())
	require.Equal(t, block.Round(8), n.DagState().HighestAcceptedRound())

	next := b.Layers(9, 11).Build()
	_, err = n.AcceptBlocks(next)
	require.NoError(t, err)
	require.Equal(t, block.CommitIndex(3), n.DagState().LastCommitIndex())
}

func TestPushedBlocks(t *testing.T) {
	conf := testConfig("node0")
	conf.AcceptPushedBlocks = true
	n := newTestNode(t, conf)
	b := dagtest.NewBuilder(n.Committee())
	v := b.Layer(1).Authorities(1).Build()[0]

	require.NoError(t, n.Service().HandleSendBlock(context.Background(), "peer", v.Serialized()))
	require.True(t, n.DagState().ContainsBlock(v.Reference()))

	n = newTestNode(t, testConfig("node1"))
	err := n.Service().HandleSendBlock(context.Background(), "peer", v.Serialized())
	require.ErrorIs(t, err, observer.ErrUnimplemented)
}

func TestObserveReplaysUpstream(t *testing.T) {
	upstream := newTestNode(t, testConfig("node0"))
	downstream := newTestNode(t, testConfig("node1"))

	server, err := observer.NewTCPServer("127.0.0.1:0", upstream.Service(), hclog.NewNullLogger())
	require.NoError(t, err)
	defer server.Close()

	b := dagtest.NewBuilder(upstream.Committee())
	_, err = upstream.AcceptBlocks(b.Layers(1, 5).Build())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	client := observer.NewTCPClient(server.Addr(), hclog.NewNullLogger())
	defer client.Close()
	go func() { done <- downstream.Observe(ctx, server.Addr(), client) }()

	require.Eventually(t, func() bool {
		return downstream.DagState().HighestAcceptedRound() == 5
	}, 10*time.Second, 20*time.Millisecond)

	_, err = upstream.AcceptBlocks(b.Layers(6, 11).Build())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return downstream.DagState().LastCommitIndex() == 3
	}, 10*time.Second, 20*time.Millisecond)
	require.Equal(t, upstream.DagState().HighestAcceptedRounds(), downstream.DagState().HighestAcceptedRounds())

	up, err := upstream.DagState().ScanCommits(1, 3)
	require.NoError(t, err)
	down, err := downstream.DagState().ScanCommits(1, 3)
	require.NoError(t, err)
	require.Equal(t, up, down)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("observe did not stop")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	conf := testConfig("node0")
	conf.ObserverAddr = "127.0.0.1:0"
	conf.ObserverGRPCAddr = "127.0.0.1:0"
	n := newTestNode(t, conf)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Serve(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop")
	}
}

// serviceClient calls an ObserverService in process. The first subscription
// does not read until gate is closed, so the live feed can overtake it.
type serviceClient struct {
	service    observer.Service
	gate       chan struct{}
	subscribes atomic.Int32
}

func (c *serviceClient) Subscribe(ctx context.Context, highestRounds []block.Round) (observer.Subscription, error) {
	stream, err := c.service.HandleStreamBlocks(ctx, "downstream", highestRounds)
	if err != nil {
		return nil, err
	}
	first := c.subscribes.Add(1) == 1
	return &serviceSubscription{stream: stream, gate: c.gate, held: first}, nil
}

func (c *serviceClient) FetchBlocks(ctx context.Context, refs []block.BlockRef) ([][]byte, error) {
	return c.service.HandleFetchBlocks(ctx, "downstream", refs)
}

func (c *serviceClient) FetchCommits(ctx context.Context, start, end block.CommitIndex) ([][]byte, error) {
	return c.service.HandleFetchCommits(ctx, "downstream", start, end)
}

func (c *serviceClient) SendBlock(ctx context.Context, serialized []byte) error {
	return c.service.HandleSendBlock(ctx, "downstream", serialized)
}

func (c *serviceClient) Close() error {
	return nil
}

type serviceSubscription struct {
	stream *observer.BlockStream
	gate   chan struct{}
	held   bool
}

func (s *serviceSubscription) Recv() (observer.StreamItem, error) {
	if s.held {
		<-s.gate
		s.held = false
	}
	return s.stream.Recv()
}

func (s *serviceSubscription) Close() error {
	s.stream.Close()
	return nil
}

func TestObserveResubscribesAfterLaggedStream(t *testing.T) {
	upConf := testConfig("node0")
	upConf.FeedCapacity = 2
	upstream := newTestNode(t, upConf)
	downstream := newTestNode(t, testConfig("node1"))

	client := &serviceClient{service: upstream.Service(), gate: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- downstream.Observe(ctx, "node0", client) }()
	require.Eventually(t, func() bool { return client.subscribes.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	// the held subscription only keeps the last two of these
	b := dagtest.NewBuilder(upstream.Committee())
	_, err := upstream.AcceptBlocks(b.Layers(1, 3).Build())
	require.NoError(t, err)
	_, err = upstream.AcceptBlocks(b.Layers(4, 8).Build())
	require.NoError(t, err)
	close(client.gate)

	require.Eventually(t, func() bool {
		return downstream.DagState().HighestAcceptedRound() == 8 && downstream.PendingBlocks() == 0
	}, 10*time.Second, 20*time.Millisecond)
	require.Equal(t, upstream.DagState().HighestAcceptedRounds(), downstream.DagState().HighestAcceptedRounds())
	require.GreaterOrEqual(t, client.subscribes.Load(), int32(2))
	require.GreaterOrEqual(t, testutil.ToFloat64(downstream.metrics.UpstreamGaps), 1.0)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("observe did not stop")
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())
	return addr
}

func TestServeFailureLeavesNothingListening(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	// gRPC address taken: the TCP observer must not be left running
	conf := testConfig("node0")
	conf.ObserverAddr = freeAddr(t)
	conf.ObserverGRPCAddr = busy.Addr().String()
	n := newTestNode(t, conf)
	require.Error(t, n.Serve(context.Background()))
	lis, err := net.Listen("tcp", conf.ObserverAddr)
	require.NoError(t, err)
	require.NoError(t, lis.Close())

	// TCP address taken: the gRPC listener must be released
	conf = testConfig("node1")
	conf.ObserverAddr = busy.Addr().String()
	conf.ObserverGRPCAddr = freeAddr(t)
	n = newTestNode(t, conf)
	require.Error(t, n.Serve(context.Background()))
	lis, err = net.Listen("tcp", conf.ObserverGRPCAddr)
	require.NoError(t, err)
	require.NoError(t, lis.Close())
}
