package codec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/orchestrator"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/recommend"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/reward"
)

// #region structs
// toStruct encodes v through its JSON form.
func toStruct(v interface{}) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	s := &structpb.Struct{}
	if err := s.UnmarshalJSON(b); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return s, nil
}

// fromStruct decodes s into v through its JSON form.
func fromStruct(s *structpb.Struct, v interface{}) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	b, err := s.MarshalJSON()
	if err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

// #endregion structs

// #region status
// toStatus maps domain errors onto gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	var code codes.Code
	switch {
	case errors.Is(err, recommend.ErrInvalidRequest), errors.Is(err, reward.ErrInvalidEvent):
		code = codes.InvalidArgument
	case errors.Is(err, recommend.ErrNoCandidates):
		code = codes.ResourceExhausted
	case errors.Is(err, orchestrator.ErrConflict):
		code = codes.Aborted
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// fromStatus turns a gRPC error back into one wrapping the matching domain sentinel.
func fromStatus(method string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%s rpc: %w", method, err)
	}
	var sentinel error
	switch st.Code() {
	case codes.InvalidArgument:
		sentinel = recommend.ErrInvalidRequest
	case codes.ResourceExhausted:
		sentinel = recommend.ErrNoCandidates
	case codes.Aborted:
		sentinel = orchestrator.ErrConflict
	case codes.DeadlineExceeded:
		sentinel = context.DeadlineExceeded
	case codes.Canceled:
		sentinel = context.Canceled
	default:
		return fmt.Errorf("%s rpc: %w", method, err)
	}
	return fmt.Errorf("%s rpc: %w: %s", method, sentinel, st.Message())
}

// #endregion status
