// ============================================================================
// kioskq gRPC surface
// ============================================================================
//
// Package: internal/rpc
// File: server.go
// Purpose: poll / acknowledge API for agents on the property LAN
//
// Service kioskq.v1.QueueService:
//   Enqueue        EnqueueRequest    -> JobReply
//   ListPending    ListRequest       -> ListReply
//   Complete       TransitionRequest -> JobReply
//   Fail           TransitionRequest -> JobReply
//   MarkProcessing TransitionRequest -> JobReply
//
// Messages are plain structs carried by the JSON codec (codec.go), so the
// service descriptor below is written by hand instead of generated.
//
// Every call passes the unary auth interceptor, which reads the API key from
// the "x-api-key" metadata entry and uses the same Authenticator as HTTP.
// ============================================================================

package rpc

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/worldchamps/kioskq/internal/auth"
	"github.com/worldchamps/kioskq/internal/errs"
	"github.com/worldchamps/kioskq/internal/queue"
	"github.com/worldchamps/kioskq/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "kioskq.v1.QueueService"

// MetadataAPIKey carries the credential.
const MetadataAPIKey = "x-api-key"

// ListRequest asks for the pending jobs of one property.
type ListRequest struct {
	Property string `json:"property"`
}

// ListReply carries pending jobs.
type ListReply struct {
	Jobs []types.Job `json:"jobs"`
}

// TransitionRequest addresses one job. Property may be empty.
type TransitionRequest struct {
	ID       types.JobID `json:"id"`
	Property string      `json:"property,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// JobReply carries one job.
type JobReply struct {
	Job types.Job `json:"job"`
}

// QueueServer is the server-side interface of QueueService.
type QueueServer interface {
	Enqueue(context.Context, *types.EnqueueRequest) (*JobReply, error)
	ListPending(context.Context, *ListRequest) (*ListReply, error)
	Complete(context.Context, *TransitionRequest) (*JobReply, error)
	Fail(context.Context, *TransitionRequest) (*JobReply, error)
	MarkProcessing(context.Context, *TransitionRequest) (*JobReply, error)
}

// Server implements QueueServer over the queue service.
type Server struct {
	svc *queue.Service
}

var _ QueueServer = (*Server)(nil)

// NewServer wraps svc.
func NewServer(svc *queue.Service) *Server {
	return &Server{svc: svc}
}

// Enqueue handles job submission from kiosks.
func (s *Server) Enqueue(ctx context.Context, req *types.EnqueueRequest) (*JobReply, error) {
	job, err := s.svc.Enqueue(ctx, *req)
	if err != nil {
		return nil, toStatus(err)
	}
	return &JobReply{Job: job}, nil
}

// ListPending returns the pending jobs of the requested property.
func (s *Server) ListPending(ctx context.Context, req *ListRequest) (*ListReply, error) {
	jobs, err := s.svc.ListPending(ctx, req.Property)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListReply{Jobs: jobs}, nil
}

// Complete acknowledges a job as done.
func (s *Server) Complete(ctx context.Context, req *TransitionRequest) (*JobReply, error) {
	job, err := s.svc.Complete(ctx, req.Property, req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &JobReply{Job: job}, nil
}

// Fail acknowledges a job as failed.
func (s *Server) Fail(ctx context.Context, req *TransitionRequest) (*JobReply, error) {
	job, err := s.svc.Fail(ctx, req.Property, req.ID, req.Error)
	if err != nil {
		return nil, toStatus(err)
	}
	return &JobReply{Job: job}, nil
}

// MarkProcessing records that an agent took the job.
func (s *Server) MarkProcessing(ctx context.Context, req *TransitionRequest) (*JobReply, error) {
	job, err := s.svc.MarkProcessing(ctx, req.Property, req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &JobReply{Job: job}, nil
}

// ServiceDesc describes QueueService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*QueueServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Enqueue", Handler: unary(func(srv QueueServer, ctx context.Context, req *types.EnqueueRequest) (interface{}, error) {
			return srv.Enqueue(ctx, req)
		})},
		{MethodName: "ListPending", Handler: unary(func(srv QueueServer, ctx context.Context, req *ListRequest) (interface{}, error) {
			return srv.ListPending(ctx, req)
		})},
		{MethodName: "Complete", Handler: unary(func(srv QueueServer, ctx context.Context, req *TransitionRequest) (interface{}, error) {
			return srv.Complete(ctx, req)
		})},
		{MethodName: "Fail", Handler: unary(func(srv QueueServer, ctx context.Context, req *TransitionRequest) (interface{}, error) {
			return srv.Fail(ctx, req)
		})},
		{MethodName: "MarkProcessing", Handler: unary(func(srv QueueServer, ctx context.Context, req *TransitionRequest) (interface{}, error) {
			return srv.MarkProcessing(ctx, req)
		})},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "kioskq/v1/queue.proto",
}

// unary adapts a typed method to grpc's untyped handler signature, the way
// protoc-gen-go-grpc generates it.
func unary[Req any](call func(QueueServer, context.Context, *Req) (interface{}, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
		}
		if interceptor == nil {
			return call(srv.(QueueServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodFromContext(ctx)}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(QueueServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func methodFromContext(ctx context.Context) string {
	if m, ok := grpc.Method(ctx); ok {
		return m
	}
	return ""
}

// Register attaches QueueService to g.
func Register(g *grpc.Server, srv QueueServer) {
	g.RegisterService(&ServiceDesc, srv)
}

// NewGRPCServer builds a grpc.Server with the auth and logging interceptors
// and QueueService registered.
func NewGRPCServer(svc *queue.Service, a auth.Authenticator, log *zap.Logger, opts ...grpc.ServerOption) *grpc.Server {
	if log == nil {
		log = zap.NewNop()
	}
	opts = append(opts, grpc.ChainUnaryInterceptor(LoggingInterceptor(log), AuthInterceptor(a)))
	g := grpc.NewServer(opts...)
	Register(g, NewServer(svc))
	return g
}

// Serve runs g on l until ctx is cancelled.
func Serve(ctx context.Context, g *grpc.Server, l net.Listener, log *zap.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info("grpc server listening", zap.String("addr", l.Addr().String()))
		errCh <- g.Serve(l)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	case <-ctx.Done():
		log.Info("grpc server shutting down")
		g.GracefulStop()
		return nil
	}
}

// AuthInterceptor rejects calls without a valid x-api-key.
func AuthInterceptor(a auth.Authenticator) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		var credential string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(MetadataAPIKey); len(vals) > 0 {
				credential = strings.TrimSpace(vals[0])
			}
		}
		if _, err := a.Authenticate(credential); err != nil {
			return nil, toStatus(err)
		}
		return handler(ctx, req)
	}
}

// LoggingInterceptor logs one line per call.
func LoggingInterceptor(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		}
		if err != nil {
			log.Warn("rpc", append(fields, zap.Error(err))...)
		} else {
			log.Info("rpc", fields...)
		}
		return resp, err
	}
}

// CodeOf maps an error kind to a gRPC code.
func CodeOf(kind errs.Kind) codes.Code {
	switch kind {
	case errs.KindUnauthorized:
		return codes.Unauthenticated
	case errs.KindValidation:
		return codes.InvalidArgument
	case errs.KindNotFound:
		return codes.NotFound
	case errs.KindConflict:
		return codes.FailedPrecondition
	case errs.KindBackendUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// KindOfCode is the inverse of CodeOf, used by clients.
func KindOfCode(c codes.Code) errs.Kind {
	switch c {
	case codes.Unauthenticated:
		return errs.KindUnauthorized
	case codes.InvalidArgument:
		return errs.KindValidation
	case codes.NotFound:
		return errs.KindNotFound
	case codes.FailedPrecondition:
		return errs.KindConflict
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return errs.KindBackendUnavailable
	default:
		return errs.KindInternal
	}
}

func toStatus(err error) error {
	msg := err.Error()
	var qe *errs.Error
	if errors.As(err, &qe) && qe.Message != "" {
		msg = qe.Message
		for _, d := range qe.Details {
			msg += "; " + d.Field + ": " + d.Reason
		}
	}
	return status.Error(CodeOf(errs.KindOf(err)), msg)
}
