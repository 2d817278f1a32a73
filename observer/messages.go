package observer

import (
	"errors"
	"reflect"

	"github.com/gitzhang10/CommitDAG/block"
)

// Frame tags of the TCP binding. The gRPC binding reuses the message types.
const (
	StreamBlocksRequestTag uint8 = iota
	StreamItemTag
	EndOfStreamTag
	FetchBlocksRequestTag
	FetchBlocksResponseTag
	FetchCommitsRequestTag
	FetchCommitsResponseTag
	SendBlockRequestTag
	SendBlockResponseTag
	ErrorResponseTag
)

type StreamBlocksRequest struct {
	HighestRoundPerAuthority []uint64
}

// StreamItem is one block of a stream with the commit index known when it
// was produced.
type StreamItem struct {
	Block              []byte
	HighestCommitIndex uint64
}

type EndOfStream struct{}

type FetchBlocksRequest struct {
	Refs []block.WireRef
}

type FetchBlocksResponse struct {
	Blocks [][]byte
}

type FetchCommitsRequest struct {
	Start uint64
	End   uint64
}

type FetchCommitsResponse struct {
	Commits [][]byte
}

type SendBlockRequest struct {
	Block []byte
}

type SendBlockResponse struct{}

const (
	errKindInvalidRequest = "invalid_request"
	errKindInvalidSize    = "invalid_size"
	errKindUnimplemented  = "unimplemented"
	errKindInternal       = "internal"
)

// ErrorResponse carries a failed request back to the TCP client.
type ErrorResponse struct {
	Kind     string
	Message  string
	Expected int
	Got      int
}

var streamBlocksRequest StreamBlocksRequest
var streamItem StreamItem
var endOfStream EndOfStream
var fetchBlocksRequest FetchBlocksRequest
var fetchBlocksResponse FetchBlocksResponse
var fetchCommitsRequest FetchCommitsRequest
var fetchCommitsResponse FetchCommitsResponse
var sendBlockRequest SendBlockRequest
var sendBlockResponse SendBlockResponse
var errorResponse ErrorResponse

var reflectedTypesMap = map[uint8]reflect.Type{
	StreamBlocksRequestTag:  reflect.TypeOf(streamBlocksRequest),
	StreamItemTag:           reflect.TypeOf(streamItem),
	EndOfStreamTag:          reflect.TypeOf(endOfStream),
	FetchBlocksRequestTag:   reflect.TypeOf(fetchBlocksRequest),
	FetchBlocksResponseTag:  reflect.TypeOf(fetchBlocksResponse),
	FetchCommitsRequestTag:  reflect.TypeOf(fetchCommitsRequest),
	FetchCommitsResponseTag: reflect.TypeOf(fetchCommitsResponse),
	SendBlockRequestTag:     reflect.TypeOf(sendBlockRequest),
	SendBlockResponseTag:    reflect.TypeOf(sendBlockResponse),
	ErrorResponseTag:        reflect.TypeOf(errorResponse),
}

func newErrorResponse(err error) *ErrorResponse {
	var sizeErr *InvalidSizeOfHighestAcceptedRoundsError
	switch {
	case errors.As(err, &sizeErr):
		return &ErrorResponse{Kind: errKindInvalidSize, Message: err.Error(), Expected: sizeErr.Expected, Got: sizeErr.Got}
	case errors.Is(err, ErrInvalidRequest):
		return &ErrorResponse{Kind: errKindInvalidRequest, Message: err.Error()}
	case errors.Is(err, ErrUnimplemented):
		return &ErrorResponse{Kind: errKindUnimplemented, Message: err.Error()}
	default:
		return &ErrorResponse{Kind: errKindInternal, Message: err.Error()}
	}
}

// Err turns the response back into a typed error.
func (e *ErrorResponse) Err() error {
	switch e.Kind {
	case errKindInvalidSize:
		return &InvalidSizeOfHighestAcceptedRoundsError{Expected: e.Expected, Got: e.Got}
	case errKindInvalidRequest:
		return &remoteError{kind: ErrInvalidRequest, msg: e.Message}
	case errKindUnimplemented:
		return &remoteError{kind: ErrUnimplemented, msg: e.Message}
	default:
		return errors.New(e.Message)
	}
}

// remoteError keeps the peer's message and still matches the sentinel.
type remoteError struct {
	kind error
	msg  string
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.kind }

func toRounds(rounds []uint64) []block.Round {
	out := make([]block.Round, len(rounds))
	for i, r := range rounds {
		out[i] = block.Round(r)
	}
	return out
}

func fromRounds(rounds []block.Round) []uint64 {
	out := make([]uint64, len(rounds))
	for i, r := range rounds {
		out[i] = uint64(r)
	}
	return out
}
