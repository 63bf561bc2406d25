// Package server exposes the fleet to schedulers and operators over gRPC.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"buildswarm/internal/coordinator"
	"buildswarm/internal/decommission"
	"buildswarm/internal/directory"
	"buildswarm/internal/fleet"
	"buildswarm/internal/logging"
	"buildswarm/internal/provider"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Fleet is the control plane served over gRPC
type Fleet interface {
	CanProvision(ctx context.Context, poolID, label string) (bool, error)
	Provision(ctx context.Context, poolID, label string, demand int) ([]*coordinator.PlannedNode, error)
	Nodes(ctx context.Context) ([]directory.Node, error)
	Remove(ctx context.Context, name string) error
	MarkIdle(ctx context.Context, name string) error
	MarkBusy(ctx context.Context, name string) error
	Servers(ctx context.Context, poolID string) ([]provider.Server, error)
	Options(ctx context.Context, poolID string) ([]provider.Option, []provider.Option, error)
	Decommission(poolID, serverID string) error
	Pending() []decommission.Deletion
}

// Server represents the buildswarm gRPC server
type Server struct {
	fleet Fleet
	grpc  *grpc.Server
}

// NewServer creates a new Server
func NewServer(f Fleet) *Server {
	s := &Server{fleet: f}
	s.grpc = grpc.NewServer(grpc.UnaryInterceptor(logUnary))
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// Start listens on port and serves until Stop
func (s *Server) Start(port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	logging.Logger().Info("Starting gRPC server", zap.Int("port", port))
	return s.Serve(lis)
}

// Serve serves on an existing listener
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Stop drains in-flight calls and stops the server
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	fields := []zap.Field{
		zap.String("method", info.FullMethod),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		logging.Logger().Warn("RPC failed", append(fields, zap.Error(err))...)
	} else {
		logging.Logger().Debug("RPC handled", fields...)
	}
	return resp, err
}

// toStatus maps domain errors to gRPC status codes
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fleet.ErrUnknownPool), errors.Is(err, directory.ErrNodeNotFound), provider.IsNotFound(err):
		return status.Error(codes.NotFound, err.Error())
	case provider.IsUnauthorized(err):
		return status.Error(codes.PermissionDenied, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func (s *Server) CanProvision(ctx context.Context, req *structpb.Struct) (*wrapperspb.BoolValue, error) {
	allowed, err := s.fleet.CanProvision(ctx, getString(req, "pool"), getString(req, "label"))
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bool(allowed), nil
}

func (s *Server) Provision(ctx context.Context, req *structpb.Struct) (*structpb.ListValue, error) {
	demand := getInt(req, "demand")
	if demand <= 0 {
		return nil, status.Error(codes.InvalidArgument, "demand must be positive")
	}
	planned, err := s.fleet.Provision(ctx, getString(req, "pool"), getString(req, "label"), demand)
	if err != nil {
		return nil, toStatus(err)
	}

	nodes := make([]PlannedNode, 0, len(planned))
	for _, p := range planned {
		nodes = append(nodes, PlannedNode{
			Name:      p.Name,
			Template:  p.TemplateID,
			Executors: p.Executors,
		})
	}
	return list(nodes, encodePlanned), nil
}

func (s *Server) ListNodes(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	nodes, err := s.fleet.Nodes(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return list(nodes, encodeNode), nil
}

func (s *Server) RemoveNode(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.fleet.Remove(ctx, req.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) SetIdle(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	name := getString(req, "name")
	var err error
	if getBool(req, "idle") {
		err = s.fleet.MarkIdle(ctx, name)
	} else {
		err = s.fleet.MarkBusy(ctx, name)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) ListServers(ctx context.Context, req *wrapperspb.StringValue) (*structpb.ListValue, error) {
	servers, err := s.fleet.Servers(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return list(servers, encodeServer), nil
}

func (s *Server) ListOptions(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	hardware, appliances, err := s.fleet.Options(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return record(fields{
		"hardware":   structpb.NewListValue(list(hardware, encodeOption)),
		"appliances": structpb.NewListValue(list(appliances, encodeOption)),
	}), nil
}

func (s *Server) Decommission(_ context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	serverID := getString(req, "server_id")
	if serverID == "" {
		return nil, status.Error(codes.InvalidArgument, "server id is required")
	}
	if err := s.fleet.Decommission(getString(req, "pool"), serverID); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) ListPending(_ context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	return list(s.fleet.Pending(), encodeDeletion), nil
}
