package observer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gitzhang10/CommitDAG/block"
	"github.com/gitzhang10/CommitDAG/conn"
	"github.com/hashicorp/go-hclog"
)

// TCPServer serves a Service over msgpack frames. A connection carries any
// number of unary requests, or one StreamBlocks request after which it is
// dedicated to the stream.
type TCPServer struct {
	service Service
	trans   *conn.NetworkTransport
	logger  hclog.Logger
}

func NewTCPServer(addr string, service Service, logger hclog.Logger) (*TCPServer, error) {
	s := &TCPServer{service: service, logger: logger}
	trans, err := conn.NewTCPTransport(addr, &conn.NetworkTransportConfig{
		ReflectedTypesMap: reflectedTypesMap,
		Handler:           s.handle,
		Handle:            block.MsgpackHandle(),
		Logger:            logger.Named("tcp"),
		Timeout:           10 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	s.trans = trans
	return s, nil
}

func (s *TCPServer) Addr() string {
	return s.trans.LocalAddr()
}

func (s *TCPServer) Close() error {
	return s.trans.Close()
}

func (s *TCPServer) handle(ctx context.Context, c *conn.NetConn) {
	peer := c.Target()
	for {
		_, msg, err := c.RecvMsg()
		if err != nil {
			var unknown *conn.UnknownTagError
			if errors.As(err, &unknown) {
				if err := s.reply(c, nil, fmt.Errorf("%w: %v", ErrUnimplemented, err)); err != nil {
					return
				}
				continue
			}
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Debug("failed to read request", "peer", peer, "error", err)
			}
			return
		}

		switch req := msg.(type) {
		case *StreamBlocksRequest:
			s.stream(ctx, c, peer, req)
			return
		case *FetchBlocksRequest:
			var resp interface{}
			refs, err := block.FromWireRefs(req.Refs)
			if err != nil {
				err = fmt.Errorf("%w: %v", ErrInvalidRequest, err)
			} else {
				var blocks [][]byte
				blocks, err = s.service.HandleFetchBlocks(ctx, peer, refs)
				resp = &FetchBlocksResponse{Blocks: blocks}
			}
			if s.reply(c, resp, err) != nil {
				return
			}
		case *FetchCommitsRequest:
			commits, err := s.service.HandleFetchCommits(ctx, peer, block.CommitIndex(req.Start), block.CommitIndex(req.End))
			if s.reply(c, &FetchCommitsResponse{Commits: commits}, err) != nil {
				return
			}
		case *SendBlockRequest:
			err := s.service.HandleSendBlock(ctx, peer, req.Block)
			if s.reply(c, &SendBlockResponse{}, err) != nil {
				return
			}
		default:
			if s.reply(c, nil, fmt.Errorf("%w: %T is not a request", ErrUnimplemented, msg)) != nil {
				return
			}
		}
	}
}

func (s *TCPServer) reply(c *conn.NetConn, resp interface{}, err error) error {
	if err != nil {
		return c.SendMsg(ErrorResponseTag, newErrorResponse(err))
	}
	var tag uint8
	switch resp.(type) {
	case *FetchBlocksResponse:
		tag = FetchBlocksResponseTag
	case *FetchCommitsResponse:
		tag = FetchCommitsResponseTag
	case *SendBlockResponse:
		tag = SendBlockResponseTag
	}
	return c.SendMsg(tag, resp)
}

func (s *TCPServer) stream(ctx context.Context, c *conn.NetConn, peer string, req *StreamBlocksRequest) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := s.service.HandleStreamBlocks(ctx, peer, toRounds(req.HighestRoundPerAuthority))
	if err != nil {
		s.reply(c, nil, err)
		return
	}
	defer stream.Close()

	// The peer sends nothing more on a stream connection; a read returns
	// only when it hangs up.
	go func() {
		for {
			if _, _, err := c.RecvMsg(); err != nil {
				var unknown *conn.UnknownTagError
				if errors.As(err, &unknown) {
					continue
				}
				cancel()
				return
			}
		}
	}()

	for {
		item, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			c.SendMsg(EndOfStreamTag, &EndOfStream{})
			return
		}
		if err != nil {
			return
		}
		if err := c.SendMsg(StreamItemTag, &item); err != nil {
			s.logger.Debug("block stream closed by peer", "peer", peer, "error", err)
			return
		}
	}
}

// TCPClient talks to a TCPServer. Unary requests reuse pooled connections.
type TCPClient struct {
	target string
	trans  *conn.NetworkTransport
}

func NewTCPClient(target string, logger hclog.Logger) *TCPClient {
	trans := conn.NewTCPDialer(&conn.NetworkTransportConfig{
		MaxPool:           4,
		ReflectedTypesMap: reflectedTypesMap,
		Handle:            block.MsgpackHandle(),
		Logger:            logger.Named("tcp-client"),
		Timeout:           10 * time.Second,
	})
	return &TCPClient{target: target, trans: trans}
}

func (c *TCPClient) call(ctx context.Context, tag uint8, req interface{}) (interface{}, error) {
	netC, err := c.trans.GetConn(c.target)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		netC.SetDeadline(deadline)
	}
	if err := netC.SendMsg(tag, req); err != nil {
		return nil, err
	}
	_, resp, err := netC.RecvMsg()
	if err != nil {
		netC.Release()
		return nil, err
	}
	netC.SetDeadline(time.Time{})
	c.trans.ReturnConn(netC)
	if e, ok := resp.(*ErrorResponse); ok {
		return nil, e.Err()
	}
	return resp, nil
}

func (c *TCPClient) FetchBlocks(ctx context.Context, refs []block.BlockRef) ([][]byte, error) {
	resp, err := c.call(ctx, FetchBlocksRequestTag, &FetchBlocksRequest{Refs: block.ToWireRefs(refs)})
	if err != nil {
		return nil, err
	}
	r, ok := resp.(*FetchBlocksResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response %T", resp)
	}
	return r.Blocks, nil
}

func (c *TCPClient) FetchCommits(ctx context.Context, start, end block.CommitIndex) ([][]byte, error) {
	resp, err := c.call(ctx, FetchCommitsRequestTag, &FetchCommitsRequest{Start: uint64(start), End: uint64(end)})
	if err != nil {
		return nil, err
	}
	r, ok := resp.(*FetchCommitsResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response %T", resp)
	}
	return r.Commits, nil
}

func (c *TCPClient) SendBlock(ctx context.Context, serialized []byte) error {
	resp, err := c.call(ctx, SendBlockRequestTag, &SendBlockRequest{Block: serialized})
	if err != nil {
		return err
	}
	if _, ok := resp.(*SendBlockResponse); !ok {
		return fmt.Errorf("unexpected response %T", resp)
	}
	return nil
}

// Subscribe opens a dedicated connection for the stream. A rejected request
// surfaces on the first Recv.
func (c *TCPClient) Subscribe(ctx context.Context, highestRounds []block.Round) (Subscription, error) {
	netC, err := c.trans.GetConn(c.target)
	if err != nil {
		return nil, err
	}
	if err := netC.SendMsg(StreamBlocksRequestTag, &StreamBlocksRequest{HighestRoundPerAuthority: fromRounds(highestRounds)}); err != nil {
		return nil, err
	}
	sub := &tcpSubscription{conn: netC, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			netC.Release()
		case <-sub.done:
		}
	}()
	return sub, nil
}

func (c *TCPClient) Close() error {
	return c.trans.Close()
}

type tcpSubscription struct {
	conn      *conn.NetConn
	done      chan struct{}
	closeOnce sync.Once
}

func (s *tcpSubscription) Recv() (StreamItem, error) {
	_, msg, err := s.conn.RecvMsg()
	if err != nil {
		return StreamItem{}, err
	}
	switch m := msg.(type) {
	case *StreamItem:
		return *m, nil
	case *EndOfStream:
		return StreamItem{}, io.EOF
	case *ErrorResponse:
		return StreamItem{}, m.Err()
	default:
		return StreamItem{}, fmt.Errorf("unexpected stream message %T", msg)
	}
}

func (s *tcpSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Release()
	})
	return err
}
