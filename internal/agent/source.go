// ============================================================================
// kioskq agent job source
// ============================================================================
//
// Package: internal/agent
// File: source.go
// Purpose: decouple the agent loop from the transport it polls through
//
//   - HTTPSource: the producer's HTTP API (pkg/client), the default
//   - GrpcSource: the producer's gRPC API (internal/rpc) on the property LAN
//
// A source is bound to one property: an agent only ever sees its own
// partition.
// ============================================================================

package agent

import (
	"context"

	"github.com/worldchamps/kioskq/internal/rpc"
	"github.com/worldchamps/kioskq/pkg/client"
	"github.com/worldchamps/kioskq/pkg/types"
)

// JobSource fetches pending jobs and reports outcomes.
type JobSource interface {
	// Poll returns the pending jobs of the agent's property, oldest first.
	Poll(ctx context.Context) ([]types.Job, error)

	// MarkProcessing claims a job. A Conflict error means another agent
	// already took it.
	MarkProcessing(ctx context.Context, id types.JobID) error

	// Complete reports success.
	Complete(ctx context.Context, id types.JobID) error

	// Fail reports failure with a reason.
	Fail(ctx context.Context, id types.JobID, reason string) error
}

// HTTPSource polls the HTTP producer API.
type HTTPSource struct {
	client   *client.Client
	property types.PropertyID
}

var _ JobSource = (*HTTPSource)(nil)

// NewHTTPSource binds c to property.
func NewHTTPSource(c *client.Client, property types.PropertyID) *HTTPSource {
	return &HTTPSource{client: c, property: property}
}

func (s *HTTPSource) Poll(ctx context.Context) ([]types.Job, error) {
	return s.client.ListPending(ctx, s.property)
}

func (s *HTTPSource) MarkProcessing(ctx context.Context, id types.JobID) error {
	_, err := s.client.MarkProcessing(ctx, s.property, id)
	return err
}

func (s *HTTPSource) Complete(ctx context.Context, id types.JobID) error {
	_, err := s.client.Complete(ctx, s.property, id)
	return err
}

func (s *HTTPSource) Fail(ctx context.Context, id types.JobID, reason string) error {
	_, err := s.client.Fail(ctx, s.property, id, reason)
	return err
}

// GrpcSource polls the gRPC producer API.
type GrpcSource struct {
	client   *rpc.Client
	property types.PropertyID
}

var _ JobSource = (*GrpcSource)(nil)

// NewGrpcSource binds c to property.
func NewGrpcSource(c *rpc.Client, property types.PropertyID) *GrpcSource {
	return &GrpcSource{client: c, property: property}
}

func (s *GrpcSource) Poll(ctx context.Context) ([]types.Job, error) {
	return s.client.ListPending(ctx, s.property)
}

func (s *GrpcSource) MarkProcessing(ctx context.Context, id types.JobID) error {
	_, err := s.client.MarkProcessing(ctx, s.property, id)
	return err
}

func (s *GrpcSource) Complete(ctx context.Context, id types.JobID) error {
	_, err := s.client.Complete(ctx, s.property, id)
	return err
}

func (s *GrpcSource) Fail(ctx context.Context, id types.JobID, reason string) error {
	_, err := s.client.Fail(ctx, s.property, id, reason)
	return err
}
