package codec

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/orchestrator"
	"github.com/danielpatrickdp/adaptive-care/go-controller/internal/reward"
)

// #region client-struct
// Client calls a controller over gRPC. Errors wrap the same sentinels the
// orchestrator returns, so errors.Is works across the wire.
type Client struct {
	conn grpc.ClientConnInterface
	// closer is nil when the connection is owned by the caller
	closer func() error
}

// #endregion client-struct

// #region constructor
// NewClient connects to a controller at addr.
func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &Client{conn: conn, closer: conn.Close}, nil
}

// NewClientWithConn wraps an existing connection. Close leaves it open.
func NewClientWithConn(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Close shuts down a connection opened by NewClient.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

// #endregion constructor

// #region calls
// Evaluate sends one tick.
func (c *Client) Evaluate(ctx context.Context, tick orchestrator.Tick) (orchestrator.TickOutcome, error) {
	var out orchestrator.TickOutcome
	err := c.invoke(ctx, "Evaluate", tick, &out)
	return out, err
}

// Select requests a selection in an explicit category.
func (c *Client) Select(ctx context.Context, sessionID, trigger, category string) (orchestrator.Selection, error) {
	var out orchestrator.Selection
	err := c.invoke(ctx, "Select", SelectRequest{SessionID: sessionID, Trigger: trigger, Category: category}, &out)
	return out, err
}

// Feedback reports feedback for a committed selection.
func (c *Client) Feedback(ctx context.Context, req orchestrator.FeedbackRequest) (reward.Applied, error) {
	var out reward.Applied
	err := c.invoke(ctx, "Feedback", req, &out)
	return out, err
}

// OpenSession opens a delivery session.
func (c *Client) OpenSession(ctx context.Context, sess orchestrator.Session) (orchestrator.Session, error) {
	var out orchestrator.Session
	err := c.invoke(ctx, "OpenSession", sess, &out)
	return out, err
}

func (c *Client) invoke(ctx context.Context, method string, in, out interface{}) error {
	req, err := toStruct(in)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp); err != nil {
		return fromStatus(method, err)
	}
	return fromStruct(resp, out)
}

// #endregion calls
