// Package grpcserver implements the Peekaboo control service.
package grpcserver

import (
	"context"
	"errors"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mtiwari1/peekaboo/internal/repository"
	"github.com/mtiwari1/peekaboo/internal/worker"
	pb "github.com/mtiwari1/peekaboo/proto"
)

// SampleSource looks up journal rows.
type SampleSource interface {
	GetSample(ctx context.Context, uuid string) (*repository.SampleRecord, error)
}

// PoolStats reports worker pool state.
type PoolStats interface {
	Stats() worker.Stats
}

// SessionCounter reports open client sessions.
type SessionCounter interface {
	Len() int
}

// Server implements pb.ControlServer. Dependencies are injected via the
// constructor.
type Server struct {
	samples  SampleSource
	pool     PoolStats
	sessions SessionCounter
	logger   *zap.Logger
}

// NewServer creates the control service.
func NewServer(samples SampleSource, pool PoolStats, sessions SessionCounter, logger *zap.Logger) *Server {
	return &Server{samples: samples, pool: pool, sessions: sessions, logger: logger}
}

// GetSample returns the journal row of one sample.
func (s *Server) GetSample(ctx context.Context, req *pb.GetSampleRequest) (*pb.SampleReply, error) {
	s.logger.Debug("grpc GetSample", zap.String("uuid", req.UUID))
	if req.UUID == "" {
		return nil, status.Error(codes.InvalidArgument, "GetSample: uuid is required")
	}

	rec, err := s.samples.GetSample(ctx, req.UUID)
	if err != nil {
		return nil, mapStoreError(err, "GetSample")
	}
	return &pb.SampleReply{
		UUID:         rec.UUID,
		SubmissionID: rec.SubmissionID,
		SHA256:       rec.SHA256,
		FullName:     rec.FullName,
		DeclaredName: rec.DeclaredName,
		State:        rec.State,
		Cause:        rec.Cause,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}, nil
}

// Stats returns the pool snapshot and the number of open sessions.
func (s *Server) Stats(_ context.Context, _ *pb.StatsRequest) (*pb.StatsReply, error) {
	st := s.pool.Stats()
	return &pb.StatsReply{
		Workers:      st.Workers,
		Active:       st.Active,
		Busy:         st.Busy,
		Queued:       st.Queued,
		Draining:     st.Draining,
		OpenSessions: s.sessions.Len(),
	}, nil
}

// NewGRPCServer builds a grpc.Server with the control service registered.
func NewGRPCServer(srv pb.ControlServer) *grpc.Server {
	gs := grpc.NewServer(grpc.ForceServerCodec(pb.Codec))
	pb.RegisterControlServer(gs, srv)
	return gs
}

// Serve runs gs on lis until it is stopped.
func Serve(gs *grpc.Server, lis net.Listener, logger *zap.Logger) {
	logger.Info("gRPC control service listening", zap.String("addr", lis.Addr().String()))
	if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		logger.Error("gRPC serve", zap.Error(err))
	}
}

// mapStoreError converts result store errors to gRPC status codes.
func mapStoreError(err error, method string) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return status.Errorf(codes.NotFound, "%s: sample not found", method)
	case errors.Is(err, context.DeadlineExceeded):
		return status.Errorf(codes.DeadlineExceeded, "%s: database timeout", method)
	case errors.Is(err, context.Canceled):
		return status.Errorf(codes.Canceled, "%s: canceled", method)
	default:
		return status.Errorf(codes.Internal, "%s: %v", method, err)
	}
}
