package codec

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/orchestrator"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/recommend"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/reward"
)

// ServiceName is the fully qualified gRPC service name. Requests and responses are
// google.protobuf.Struct values carrying the JSON form of the Go types.
const ServiceName = "adaptivecare.v1.Controller"

// #region controller
// Controller is the surface served over gRPC. *orchestrator.Orchestrator implements it.
type Controller interface {
	HandleTick(ctx context.Context, tick orchestrator.Tick) (orchestrator.TickOutcome, error)
	Select(ctx context.Context, sessionID, trigger, category string) (orchestrator.Selection, error)
	Feedback(ctx context.Context, req orchestrator.FeedbackRequest) (reward.Applied, error)
	OpenSession(ctx context.Context, sess orchestrator.Session) (orchestrator.Session, error)
}

// SelectRequest asks for a selection in an explicit category.
type SelectRequest struct {
	SessionID string `json:"session_id"`
	Trigger   string `json:"trigger"`
	Category  string `json:"category"`
}

// #endregion controller

// #region service-desc
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Controller)(nil),
	Methods: []grpc.MethodDesc{
		unary("Evaluate", func(ctx context.Context, c Controller, tick orchestrator.Tick) (orchestrator.TickOutcome, error) {
			out, err := c.HandleTick(ctx, tick)
			if errors.Is(err, recommend.ErrNoCandidates) {
				// exhausted categories are reported in the outcome
				return out, nil
			}
			return out, err
		}),
		unary("Select", func(ctx context.Context, c Controller, req SelectRequest) (orchestrator.Selection, error) {
			return c.Select(ctx, req.SessionID, req.Trigger, req.Category)
		}),
		unary("Feedback", func(ctx context.Context, c Controller, req orchestrator.FeedbackRequest) (reward.Applied, error) {
			return c.Feedback(ctx, req)
		}),
		unary("OpenSession", func(ctx context.Context, c Controller, sess orchestrator.Session) (orchestrator.Session, error) {
			return c.OpenSession(ctx, sess)
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "adaptivecare/v1/controller.proto",
}

// unary adapts a typed call into a MethodDesc over structpb messages.
func unary[Req, Resp any](method string, call func(context.Context, Controller, Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				var r Req
				if err := fromStruct(req.(*structpb.Struct), &r); err != nil {
					return nil, toStatus(errors.Join(recommend.ErrInvalidRequest, err))
				}
				resp, err := call(ctx, srv.(Controller), r)
				if err != nil {
					return nil, toStatus(err)
				}
				return toStruct(resp)
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// #endregion service-desc

// #region server
// RegisterController registers c on s.
func RegisterController(s grpc.ServiceRegistrar, c Controller) {
	s.RegisterService(&serviceDesc, c)
}

// NewServer builds a gRPC server serving c plus the standard health service.
func NewServer(c Controller, logger *zap.Logger, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = append(opts, grpc.ChainUnaryInterceptor(logUnary(logger)))
	s := grpc.NewServer(opts...)
	RegisterController(s, c)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return s, hs
}

func logUnary(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Duration("duration", time.Since(start)),
			zap.String("code", status.Code(err).String()),
		}
		if err != nil {
			logger.Info("rpc failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("rpc", fields...)
		}
		return resp, err
	}
}

// #endregion server
