package server

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cyrilcaoyang/opentrons-workflows/internal/batch"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/robots"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/session"
)

// Client is a typed client for otrunner.v1.RobotService.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial connects to an otrunnerd without TLS; the daemon listens on loopback.
func Dial(ctx context.Context, addr string, dialOptions ...grpc.DialOption) (*Client, *grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                5 * time.Minute,
			Timeout:             20 * time.Second,
			PermitWithoutStream: false,
		}),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  250 * time.Millisecond,
				Multiplier: 1.6,
				Jitter:     0.2,
				MaxDelay:   5 * time.Second,
			},
			MinConnectTimeout: 10 * time.Second,
		}),
	}
	opts = append(opts, dialOptions...)
	conn, err := grpc.DialContext(ctx, addr, opts...)
	if err != nil {
		return nil, nil, err
	}
	return NewClient(conn), conn, nil
}

func (c *Client) call(ctx context.Context, method string, req map[string]any, out any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), in, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return fromStruct(resp, out)
}

func (c *Client) Connect(ctx context.Context, robot string) (session.Status, error) {
	var st session.Status
	err := c.call(ctx, methodConnect, map[string]any{"robot": robot}, &st)
	return st, err
}

func (c *Client) Disconnect(ctx context.Context, robot string) error {
	return c.call(ctx, methodDisconnect, map[string]any{"robot": robot}, nil)
}

func (c *Client) ListRobots(ctx context.Context) ([]robots.Info, error) {
	var out struct {
		Robots []robots.Info `json:"robots"`
	}
	err := c.call(ctx, methodListRobots, map[string]any{}, &out)
	return out.Robots, err
}

func (c *Client) Status(ctx context.Context, robot string) (session.Status, error) {
	var st session.Status
	err := c.call(ctx, methodStatus, map[string]any{"robot": robot}, &st)
	return st, err
}

// ExecuteBatch runs f on the robot. Pass a batchID to watch it concurrently
// with WatchBatch. When the session fails mid-batch the error comes back with
// the partial report, if the daemon sent one.
func (c *Client) ExecuteBatch(ctx context.Context, robot, batchID string, f batch.File) (*batch.Report, error) {
	var rep batch.Report
	err := c.call(ctx, methodExecuteBatch, map[string]any{"robot": robot, "batchId": batchID, "file": f}, &rep)
	if err != nil {
		return reportFrom(err), err
	}
	return &rep, nil
}

func (c *Client) SendCodeBlock(ctx context.Context, robot, code string, opts batch.BlockOptions) (session.Result, error) {
	var res session.Result
	err := c.call(ctx, methodSendCodeBlock, map[string]any{
		"robot":          robot,
		"code":           code,
		"label":          opts.Label,
		"timeoutSeconds": opts.Timeout.Seconds(),
	}, &res)
	return res, err
}

// BatchWatcher receives the events of a watched batch.
type BatchWatcher struct {
	stream grpc.ServerStreamingClient[structpb.Struct]
}

// Recv returns the next event, or io.EOF once the batch has finished.
func (w *BatchWatcher) Recv() (batch.Event, error) {
	msg, err := w.stream.Recv()
	if err != nil {
		return batch.Event{}, err
	}
	var ev batch.Event
	err = fromStruct(msg, &ev)
	return ev, err
}

func (c *Client) WatchBatch(ctx context.Context, robot, batchID string) (*BatchWatcher, error) {
	stream, err := c.cc.NewStream(ctx, &RobotServiceDesc.Streams[0], fullMethod(methodWatchBatch))
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	in, err := toStruct(map[string]any{"robot": robot, "batchId": batchID})
	if err != nil {
		return nil, err
	}
	if err := x.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.CloseSend(); err != nil {
		return nil, err
	}
	return &BatchWatcher{stream: x}, nil
}
