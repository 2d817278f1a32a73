package observer

import (
	"context"

	"github.com/gitzhang10/CommitDAG/block"
)

// Client is the peer side of a Service, over TCP or gRPC.
type Client interface {
	Subscribe(ctx context.Context, highestRounds []block.Round) (Subscription, error)
	FetchBlocks(ctx context.Context, refs []block.BlockRef) ([][]byte, error)
	FetchCommits(ctx context.Context, start, end block.CommitIndex) ([][]byte, error)
	SendBlock(ctx context.Context, serialized []byte) error
	Close() error
}

// Subscription is the client end of a block stream. Recv returns io.EOF when
// the server ends the stream.
type Subscription interface {
	Recv() (StreamItem, error)
	Close() error
}

var (
	_ Client  = (*TCPClient)(nil)
	_ Client  = (*GRPCClient)(nil)
	_ Service = (*ObserverService)(nil)
)
