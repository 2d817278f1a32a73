package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/gitzhang10/CommitDAG/block"
	"github.com/gitzhang10/CommitDAG/config"
	"github.com/gitzhang10/CommitDAG/metrics"
	"github.com/gitzhang10/CommitDAG/observer"
	"golang.org/x/sync/errgroup"
)

const (
	baseRetryDelay = 100 * time.Millisecond
	maxRetryDelay  = 5 * time.Second
)

// Serve runs the observer listeners, the metrics endpoint and one replay
// loop per upstream peer until ctx is done or one of them fails. Every
// listener and client is opened before anything starts, so a failure leaves
// nothing running.
func (n *Node) Serve(ctx context.Context) error {
	var closers []func()
	release := func() {
		for _, c := range closers {
			c()
		}
	}

	clients := make([]observer.Client, len(n.conf.Upstream))
	for i, target := range n.conf.Upstream {
		client, err := n.newClient(target)
		if err != nil {
			release()
			return err
		}
		clients[i] = client
		closers = append(closers, func() { client.Close() })
	}

	var grpcLis net.Listener
	if n.conf.ObserverGRPCAddr != "" {
		lis, err := net.Listen("tcp", n.conf.ObserverGRPCAddr)
		if err != nil {
			release()
			return fmt.Errorf("listen observer grpc: %w", err)
		}
		grpcLis = lis
		closers = append(closers, func() { lis.Close() })
	}

	var tcpServer *observer.TCPServer
	if n.conf.ObserverAddr != "" {
		server, err := observer.NewTCPServer(n.conf.ObserverAddr, n.service, n.logger.Named("observer"))
		if err != nil {
			release()
			return fmt.Errorf("listen observer tcp: %w", err)
		}
		tcpServer = server
		n.logger.Info("observer tcp server started", "address", server.Addr())
	}

	g, ctx := errgroup.WithContext(ctx)

	if tcpServer != nil {
		g.Go(func() error {
			<-ctx.Done()
			return tcpServer.Close()
		})
	}

	if grpcLis != nil {
		server := observer.NewGRPCServer(n.service, n.logger.Named("observer-grpc"))
		g.Go(func() error {
			return server.Serve(grpcLis)
		})
		g.Go(func() error {
			<-ctx.Done()
			server.Stop()
			return nil
		})
	}

	if n.conf.MetricsAddr != "" {
		server := metrics.NewServer(n.conf.MetricsAddr, n.registry)
		g.Go(func() error {
			return server.Run(ctx)
		})
	}

	for i, target := range n.conf.Upstream {
		target, client := target, clients[i]
		g.Go(func() error {
			defer client.Close()
			return n.Observe(ctx, target, client)
		})
	}

	return g.Wait()
}

func (n *Node) newClient(target string) (observer.Client, error) {
	switch n.conf.UpstreamTransport {
	case config.TransportGRPC:
		return observer.NewGRPCClient(target)
	default:
		return observer.NewTCPClient(target, n.logger), nil
	}
}

// errStreamGap means the upstream sent a block whose parents it never sent.
// A healthy stream delivers parents first, so the stream has lost items.
var errStreamGap = errors.New("streamed block has parents the stream never sent")

// Observe replays the blocks of an upstream peer into this node. It asks for
// everything above its own highest rounds and, whenever the stream breaks or
// skips blocks, asks again from wherever it got to. Duplicates are absorbed
// by the DAG. It returns when ctx is done or the peer rejects the request.
func (n *Node) Observe(ctx context.Context, target string, client observer.Client) error {
	var delay time.Duration
	for {
		accepted, err := n.observeOnce(ctx, client)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, observer.ErrInvalidRequest) || errors.Is(err, observer.ErrUnimplemented) {
			return fmt.Errorf("observe %s: %w", target, err)
		}
		if accepted > 0 {
			delay = 0
		}
		if delay == 0 {
			delay = baseRetryDelay
		} else {
			delay *= 2
		}
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
		switch {
		case errors.Is(err, io.EOF):
			n.logger.Info("upstream ended the block stream", "peer", target)
		case errors.Is(err, errStreamGap):
			n.metrics.UpstreamGaps.Inc()
			n.logger.Warn("block stream from upstream has a gap, resubscribing", "peer", target,
				"error", err, "highest_rounds", n.dag.HighestAcceptedRounds(), "retry_in", delay)
		default:
			n.logger.Warn("block stream from upstream failed", "peer", target, "error", err, "retry_in", delay)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// observeOnce consumes one subscription and returns how many blocks it
// added to the DAG.
func (n *Node) observeOnce(ctx context.Context, client observer.Client) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub, err := client.Subscribe(ctx, n.dag.HighestAcceptedRounds())
	if err != nil {
		return 0, err
	}
	defer sub.Close()

	var total int
	for {
		item, err := sub.Recv()
		if err != nil {
			return total, err
		}
		b, err := block.ParseVerifiedBlock(item.Block)
		if err != nil {
			return total, fmt.Errorf("parse streamed block: %w", err)
		}
		accepted, err := n.AcceptBlocks([]*block.VerifiedBlock{b})
		total += len(accepted)
		if err != nil {
			n.logger.Warn("failed to accept streamed block", "block", b, "error", err)
			continue
		}
		if !n.dag.ContainsBlock(b.Reference()) {
			return total, fmt.Errorf("%w: %s", errStreamGap, b)
		}
	}
}
