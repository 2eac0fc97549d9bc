package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/worldchamps/kioskq/internal/errs"
	"github.com/worldchamps/kioskq/pkg/types"
)

// Client calls QueueService.
type Client struct {
	conn   *grpc.ClientConn
	apiKey string
}

// Dial connects to addr. Property LANs run without TLS; pass
// grpc.WithTransportCredentials to override.
func Dial(addr, apiKey string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, errs.Wrapf(errs.KindBackendUnavailable, "rpc.Dial", err, "dial %s", addr)
	}
	return &Client{conn: conn, apiKey: apiKey}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, reply interface{}) error {
	ctx = metadata.AppendToOutgoingContext(ctx, MetadataAPIKey, c.apiKey)
	err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, reply, grpc.CallContentSubtype(CodecName))
	if err == nil {
		return nil
	}
	st, _ := status.FromError(err)
	return &errs.Error{Kind: KindOfCode(st.Code()), Op: "rpc." + method, Message: st.Message()}
}

// Enqueue submits a job.
func (c *Client) Enqueue(ctx context.Context, req types.EnqueueRequest) (types.Job, error) {
	var reply JobReply
	if err := c.invoke(ctx, "Enqueue", &req, &reply); err != nil {
		return types.Job{}, err
	}
	return reply.Job, nil
}

// ListPending fetches the pending jobs of property.
func (c *Client) ListPending(ctx context.Context, property types.PropertyID) ([]types.Job, error) {
	var reply ListReply
	if err := c.invoke(ctx, "ListPending", &ListRequest{Property: string(property)}, &reply); err != nil {
		return nil, err
	}
	return reply.Jobs, nil
}

// Complete marks id completed.
func (c *Client) Complete(ctx context.Context, property types.PropertyID, id types.JobID) (types.Job, error) {
	var reply JobReply
	err := c.invoke(ctx, "Complete", &TransitionRequest{ID: id, Property: string(property)}, &reply)
	return reply.Job, err
}

// Fail marks id failed with reason.
func (c *Client) Fail(ctx context.Context, property types.PropertyID, id types.JobID, reason string) (types.Job, error) {
	var reply JobReply
	err := c.invoke(ctx, "Fail", &TransitionRequest{ID: id, Property: string(property), Error: reason}, &reply)
	return reply.Job, err
}

// MarkProcessing marks id processing.
func (c *Client) MarkProcessing(ctx context.Context, property types.PropertyID, id types.JobID) (types.Job, error) {
	var reply JobReply
	err := c.invoke(ctx, "MarkProcessing", &TransitionRequest{ID: id, Property: string(property)}, &reply)
	return reply.Job, err
}
