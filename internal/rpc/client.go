package rpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"pimhelper.org/internal/broker"
	"pimhelper.org/internal/ids"
)

// Client wraps the gRPC broker service.
type Client struct {
	conn          *grpc.ClientConn
	timeout       time.Duration
	signInTimeout time.Duration
	retries       int
	backoff       time.Duration
}

type ClientOption func(*Client)

// WithCallTimeout bounds each Dispatch attempt; 0 leaves it to ctx.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithSignInTimeout bounds actions that may wait on an interactive sign-in.
// forceReauth is never bounded.
func WithSignInTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.signInTimeout = d }
}

func WithRetries(n int) ClientOption {
	return func(c *Client) {
		if n >= 0 {
			c.retries = n
		}
	}
}

// Dial creates a new client with sensible defaults (insecure transport).
func Dial(target string, opts []ClientOption, dialOpts ...grpc.DialOption) (*Client, error) {
	if len(dialOpts) == 0 {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, err
	}
	c := &Client{conn: conn, backoff: 250 * time.Millisecond}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Conn exposes the connection for sibling services such as health.
func (c *Client) Conn() *grpc.ClientConn { return c.conn }

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Dispatch sends one action to the daemon.
func (c *Client) Dispatch(ctx context.Context, req broker.Request) (broker.Response, error) {
	in, err := toStruct(req)
	if err != nil {
		return broker.Response{}, err
	}
	ctx = metadata.AppendToOutgoingContext(ctx, requestIDKey, ids.New())

	attempts := 1
	if broker.ReadOnly(req.Action) {
		attempts += c.retries
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return broker.Response{}, ctx.Err()
			case <-time.After(time.Duration(i) * c.backoff):
			}
		}
		out, err := c.invoke(ctx, req.Action, in)
		if err == nil {
			var resp broker.Response
			if err := fromStruct(out, &resp); err != nil {
				return broker.Response{}, err
			}
			return resp, nil
		}
		lastErr = err
		if status.Code(err) != codes.Unavailable {
			break
		}
	}
	return broker.Response{}, lastErr
}

func (c *Client) invoke(ctx context.Context, action string, in *structpb.Struct) (*structpb.Struct, error) {
	if d := broker.CallTimeout(action, c.timeout, c.signInTimeout); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, DispatchMethod, in, out); err != nil {
		return nil, err
	}
	return out, nil
}
