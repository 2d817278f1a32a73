package observer

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/gitzhang10/CommitDAG/block"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

func newTCPPair(t *testing.T, f *fixture) *TCPClient {
	t.Helper()
	server, err := NewTCPServer("127.0.0.1:0", f.service, hclog.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })
	client := NewTCPClient(server.Addr(), hclog.NewNullLogger())
	t.Cleanup(func() { client.Close() })
	return client
}

func newGRPCPair(t *testing.T, f *fixture) *GRPCClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	server := NewGRPCServer(f.service, hclog.NewNullLogger())
	go server.Serve(lis)
	t.Cleanup(server.Stop)

	client, err := NewGRPCClient("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func recvSub(t *testing.T, sub Subscription, n int) []block.BlockRef {
	t.Helper()
	refs := make([]block.BlockRef, 0, n)
	for i := 0; i < n; i++ {
		item, err := sub.Recv()
		require.NoError(t, err)
		b, err := block.ParseVerifiedBlock(item.Block)
		require.NoError(t, err)
		refs = append(refs, b.Reference())
	}
	return refs
}

func testClient(t *testing.T, f *fixture, client Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f.accept(f.builder.Layers(1, 2).Build()...)
	leader := f.builder.Ref(0, 1)
	f.dag.AddCommit(&block.Commit{Index: 1, Leader: leader, Blocks: []block.BlockRef{leader}})

	blocks, err := client.FetchBlocks(ctx, []block.BlockRef{f.builder.Ref(3, 2), f.builder.Ref(0, 1)})
	require.NoError(t, err)
	require.Equal(t, [][]byte{f.builder.Block(3, 2).Serialized(), f.builder.Block(0, 1).Serialized()}, blocks)

	_, err = client.FetchBlocks(ctx, []block.BlockRef{{Author: 11, Round: 1}})
	require.ErrorIs(t, err, ErrInvalidRequest)

	commits, err := client.FetchCommits(ctx, 1, 5)
	require.NoError(t, err)
	require.Len(t, commits, 1)
	c, err := block.ParseCommit(commits[0])
	require.NoError(t, err)
	require.Equal(t, leader, c.Leader)

	_, err = client.FetchCommits(ctx, 2, 1)
	require.ErrorIs(t, err, ErrInvalidRequest)

	err = client.SendBlock(ctx, f.builder.Block(0, 1).Serialized())
	require.ErrorIs(t, err, ErrUnimplemented)

	sub, err := client.Subscribe(ctx, []block.Round{2, 2, 1, 1})
	require.NoError(t, err)
	defer sub.Close()
	require.Equal(t, []block.BlockRef{f.builder.Ref(2, 2), f.builder.Ref(3, 2)}, recvSub(t, sub, 2))

	// wait for the server side subscription before publishing live blocks
	require.Eventually(t, func() bool { return f.feed.Subscribers() == 1 }, 5*time.Second, 10*time.Millisecond)
	live := f.builder.Layer(3).Authorities(1).Build()
	f.accept(live...)
	require.Equal(t, []block.BlockRef{live[0].Reference()}, recvSub(t, sub, 1))

	f.feed.Close()
	_, err = sub.Recv()
	require.ErrorIs(t, err, io.EOF)
}

func TestTCPClient(t *testing.T) {
	f := newFixture(t, 16, Config{})
	testClient(t, f, newTCPPair(t, f))
}

func TestGRPCClient(t *testing.T) {
	f := newFixture(t, 16, Config{})
	testClient(t, f, newGRPCPair(t, f))
}

func TestTCPStreamRejectsWrongSize(t *testing.T) {
	f := newFixture(t, 16, Config{})
	client := newTCPPair(t, f)

	sub, err := client.Subscribe(context.Background(), []block.Round{0, 0})
	require.NoError(t, err)
	defer sub.Close()
	_, err = sub.Recv()
	var sizeErr *InvalidSizeOfHighestAcceptedRoundsError
	require.ErrorAs(t, err, &sizeErr)
	require.Equal(t, 4, sizeErr.Expected)
	require.Equal(t, 2, sizeErr.Got)
}

func TestGRPCStreamRejectsWrongSize(t *testing.T) {
	f := newFixture(t, 16, Config{})
	client := newGRPCPair(t, f)

	sub, err := client.Subscribe(context.Background(), []block.Round{0, 0, 0, 0, 0})
	require.NoError(t, err)
	defer sub.Close()
	_, err = sub.Recv()
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestTCPUnknownRequestIsUnimplemented(t *testing.T) {
	f := newFixture(t, 16, Config{})
	client := newTCPPair(t, f)

	_, err := client.call(context.Background(), EndOfStreamTag, &EndOfStream{})
	require.ErrorIs(t, err, ErrUnimplemented)

	// the connection stays usable
	_, err = client.FetchCommits(context.Background(), 1, 1)
	require.NoError(t, err)
}

func TestTCPSubscriberDisconnectReleasesFeed(t *testing.T) {
	f := newFixture(t, 16, Config{})
	client := newTCPPair(t, f)

	sub, err := client.Subscribe(context.Background(), []block.Round{0, 0, 0, 0})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.feed.Subscribers() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, sub.Close())
	require.Eventually(t, func() bool { return f.feed.Subscribers() == 0 }, 5*time.Second, 10*time.Millisecond)
}
