package observer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/gitzhang10/CommitDAG/block"
	"github.com/hashicorp/go-hclog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const codecName = "msgpack"

func init() {
	encoding.RegisterCodec(msgpackCodec{})
}

// msgpackCodec lets gRPC carry the plain message structs of this package.
type msgpackCodec struct{}

func (msgpackCodec) Name() string {
	return codecName
}

func (msgpackCodec) Marshal(v interface{}) ([]byte, error) {
	data, err := block.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("msgpack marshal error: %w", err)
	}
	return data, nil
}

func (msgpackCodec) Unmarshal(data []byte, v interface{}) error {
	if err := block.Decode(data, v); err != nil {
		return fmt.Errorf("msgpack unmarshal error: %w", err)
	}
	return nil
}

const (
	serviceName        = "commitdag.Observer"
	fetchBlocksMethod  = "/" + serviceName + "/FetchBlocks"
	fetchCommitsMethod = "/" + serviceName + "/FetchCommits"
	sendBlockMethod    = "/" + serviceName + "/SendBlock"
	streamBlocksMethod = "/" + serviceName + "/StreamBlocks"
)

type observerServer interface {
	FetchBlocks(ctx context.Context, req *FetchBlocksRequest) (*FetchBlocksResponse, error)
	FetchCommits(ctx context.Context, req *FetchCommitsRequest) (*FetchCommitsResponse, error)
	SendBlock(ctx context.Context, req *SendBlockRequest) (*SendBlockResponse, error)
	StreamBlocks(req *StreamBlocksRequest, stream grpc.ServerStream) error
}

var observerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*observerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "FetchBlocks", Handler: fetchBlocksHandler},
		{MethodName: "FetchCommits", Handler: fetchCommitsHandler},
		{MethodName: "SendBlock", Handler: sendBlockHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamBlocks", Handler: streamBlocksHandler, ServerStreams: true},
	},
	Metadata: "observer",
}

func fetchBlocksHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(FetchBlocksRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(observerServer).FetchBlocks(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fetchBlocksMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(observerServer).FetchBlocks(ctx, req.(*FetchBlocksRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func fetchCommitsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(FetchCommitsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(observerServer).FetchCommits(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fetchCommitsMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(observerServer).FetchCommits(ctx, req.(*FetchCommitsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func sendBlockHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SendBlockRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(observerServer).SendBlock(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: sendBlockMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(observerServer).SendBlock(ctx, req.(*SendBlockRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func streamBlocksHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(StreamBlocksRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(observerServer).StreamBlocks(in, stream)
}

// GRPCServer serves a Service over gRPC.
type GRPCServer struct {
	service Service
	server  *grpc.Server
	logger  hclog.Logger
}

func NewGRPCServer(service Service, logger hclog.Logger, opts ...grpc.ServerOption) *GRPCServer {
	s := &GRPCServer{
		service: service,
		server:  grpc.NewServer(opts...),
		logger:  logger,
	}
	s.server.RegisterService(&observerServiceDesc, s)
	return s
}

// Serve blocks until the listener fails or Stop is called.
func (s *GRPCServer) Serve(lis net.Listener) error {
	s.logger.Info("observer grpc server started", "address", lis.Addr().String())
	err := s.server.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

func (s *GRPCServer) Stop() {
	s.server.Stop()
}

func peerOf(ctx context.Context) string {
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		return p.Addr.String()
	}
	return "unknown"
}

func (s *GRPCServer) FetchBlocks(ctx context.Context, req *FetchBlocksRequest) (*FetchBlocksResponse, error) {
	refs, err := block.FromWireRefs(req.Refs)
	if err != nil {
		return nil, toStatus(fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}
	blocks, err := s.service.HandleFetchBlocks(ctx, peerOf(ctx), refs)
	if err != nil {
		return nil, toStatus(err)
	}
	return &FetchBlocksResponse{Blocks: blocks}, nil
}

func (s *GRPCServer) FetchCommits(ctx context.Context, req *FetchCommitsRequest) (*FetchCommitsResponse, error) {
	commits, err := s.service.HandleFetchCommits(ctx, peerOf(ctx), block.CommitIndex(req.Start), block.CommitIndex(req.End))
	if err != nil {
		return nil, toStatus(err)
	}
	return &FetchCommitsResponse{Commits: commits}, nil
}

func (s *GRPCServer) SendBlock(ctx context.Context, req *SendBlockRequest) (*SendBlockResponse, error) {
	if err := s.service.HandleSendBlock(ctx, peerOf(ctx), req.Block); err != nil {
		return nil, toStatus(err)
	}
	return &SendBlockResponse{}, nil
}

func (s *GRPCServer) StreamBlocks(req *StreamBlocksRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()
	bs, err := s.service.HandleStreamBlocks(ctx, peerOf(ctx), toRounds(req.HighestRoundPerAuthority))
	if err != nil {
		return toStatus(err)
	}
	defer bs.Close()
	for {
		item, err := bs.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return status.FromContextError(err).Err()
		}
		if err := stream.SendMsg(&item); err != nil {
			return err
		}
	}
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrUnimplemented):
		return status.Error(codes.Unimplemented, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.InvalidArgument:
		return &remoteError{kind: ErrInvalidRequest, msg: st.Message()}
	case codes.Unimplemented:
		return &remoteError{kind: ErrUnimplemented, msg: st.Message()}
	default:
		return err
	}
}

// GRPCClient talks to a GRPCServer.
type GRPCClient struct {
	conn *grpc.ClientConn
}

// NewGRPCClient connects lazily to target. Extra options are applied after
// the defaults, so tests can swap the dialer.
func NewGRPCClient(target string, opts ...grpc.DialOption) (*GRPCClient, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &GRPCClient{conn: conn}, nil
}

func (c *GRPCClient) FetchBlocks(ctx context.Context, refs []block.BlockRef) ([][]byte, error) {
	resp := new(FetchBlocksResponse)
	if err := c.conn.Invoke(ctx, fetchBlocksMethod, &FetchBlocksRequest{Refs: block.ToWireRefs(refs)}, resp); err != nil {
		return nil, fromStatus(err)
	}
	return resp.Blocks, nil
}

func (c *GRPCClient) FetchCommits(ctx context.Context, start, end block.CommitIndex) ([][]byte, error) {
	resp := new(FetchCommitsResponse)
	if err := c.conn.Invoke(ctx, fetchCommitsMethod, &FetchCommitsRequest{Start: uint64(start), End: uint64(end)}, resp); err != nil {
		return nil, fromStatus(err)
	}
	return resp.Commits, nil
}

func (c *GRPCClient) SendBlock(ctx context.Context, serialized []byte) error {
	if err := c.conn.Invoke(ctx, sendBlockMethod, &SendBlockRequest{Block: serialized}, new(SendBlockResponse)); err != nil {
		return fromStatus(err)
	}
	return nil
}

// Subscribe opens a server stream. A rejected request surfaces on the first
// Recv.
func (c *GRPCClient) Subscribe(ctx context.Context, highestRounds []block.Round) (Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	stream, err := c.conn.NewStream(ctx, &observerServiceDesc.Streams[0], streamBlocksMethod)
	if err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	if err := stream.SendMsg(&StreamBlocksRequest{HighestRoundPerAuthority: fromRounds(highestRounds)}); err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	return &grpcSubscription{stream: stream, cancel: cancel}, nil
}

func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

type grpcSubscription struct {
	stream grpc.ClientStream
	cancel context.CancelFunc
}

func (s *grpcSubscription) Recv() (StreamItem, error) {
	var item StreamItem
	if err := s.stream.RecvMsg(&item); err != nil {
		if errors.Is(err, io.EOF) {
			return StreamItem{}, io.EOF
		}
		return StreamItem{}, fromStatus(err)
	}
	return item, nil
}

func (s *grpcSubscription) Close() error {
	s.cancel()
	return nil
}
