package simd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/GoSim-25-26J-441/montecarlo-core/internal/stream"
	"github.com/GoSim-25-26J-441/montecarlo-core/pkg/logger"
	"github.com/GoSim-25-26J-441/montecarlo-core/pkg/models"
)

const SimulationServiceName = "montecarlo.v1.SimulationService"

// SimulationServiceServer is the server API of the simulation service.
// Requests and responses are structpb.Struct values carrying the same
// fields as the HTTP API.
type SimulationServiceServer interface {
	StartRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	StopRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Simulate(req *structpb.Struct, stream grpc.ServerStream) error
	StreamRun(req *structpb.Struct, stream grpc.ServerStream) error
}

func unaryHandler(method string, call func(SimulationServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	fullMethod := "/" + SimulationServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SimulationServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(SimulationServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func streamHandler(call func(SimulationServiceServer, *structpb.Struct, grpc.ServerStream) error) grpc.StreamHandler {
	return func(srv any, ss grpc.ServerStream) error {
		in := new(structpb.Struct)
		if err := ss.RecvMsg(in); err != nil {
			return err
		}
		return call(srv.(SimulationServiceServer), in, ss)
	}
}

// SimulationServiceDesc describes the simulation service for grpc.Server.
var SimulationServiceDesc = grpc.ServiceDesc{
	ServiceName: SimulationServiceName,
	HandlerType: (*SimulationServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartRun", Handler: unaryHandler("StartRun", SimulationServiceServer.StartRun)},
		{MethodName: "GetRun", Handler: unaryHandler("GetRun", SimulationServiceServer.GetRun)},
		{MethodName: "StopRun", Handler: unaryHandler("StopRun", SimulationServiceServer.StopRun)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Simulate", Handler: streamHandler(SimulationServiceServer.Simulate), ServerStreams: true},
		{StreamName: "StreamRun", Handler: streamHandler(SimulationServiceServer.StreamRun), ServerStreams: true},
	},
	Metadata: "montecarlo/v1/simulation.proto",
}

// RegisterSimulationServiceServer registers srv on s.
func RegisterSimulationServiceServer(s grpc.ServiceRegistrar, srv SimulationServiceServer) {
	s.RegisterService(&SimulationServiceDesc, srv)
}

// SimulationGRPCServer implements SimulationServiceServer using a RunStore backend.
type SimulationGRPCServer struct {
	store    *RunStore
	Executor *RunExecutor
}

// NewSimulationGRPCServer creates a new SimulationGRPCServer with the provided RunStore and RunExecutor.
func NewSimulationGRPCServer(store *RunStore, executor *RunExecutor) *SimulationGRPCServer {
	return &SimulationGRPCServer{
		store:    store,
		Executor: executor,
	}
}

func (s *SimulationGRPCServer) StartRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	runReq, err := decodeRunRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	rec, err := s.Executor.Start(runReq)
	if err != nil {
		return nil, runStatusError(err)
	}
	logger.Info("run created (gRPC)", "run_id", rec.ID)
	return runToStruct(rec)
}

func (s *SimulationGRPCServer) GetRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	runID := stringField(req, "run_id")
	if runID == "" {
		return nil, status.Error(codes.InvalidArgument, "run_id is required")
	}
	rec, ok := s.store.Get(runID)
	if !ok {
		return nil, status.Error(codes.NotFound, "run not found")
	}
	return runToStruct(rec)
}

func (s *SimulationGRPCServer) StopRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	runID := stringField(req, "run_id")
	if runID == "" {
		return nil, status.Error(codes.InvalidArgument, "run_id is required")
	}
	updated, err := s.Executor.Stop(runID)
	if err != nil {
		return nil, runStatusError(err)
	}
	logger.Info("run cancelled (gRPC)", "run_id", runID)
	return runToStruct(updated)
}

// Simulate executes a run and streams its path points and summary.
func (s *SimulationGRPCServer) Simulate(req *structpb.Struct, ss grpc.ServerStream) error {
	runReq, err := decodeRunRequest(req)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	res, err := s.Executor.Reserve(ss.Context(), runReq)
	if err != nil {
		return runStatusError(err)
	}

	rec := res.Stream(stream.NewGRPCSink(ss))
	switch rec.Status {
	case models.RunStatusCancelled:
		return status.Error(codes.Canceled, "run cancelled")
	case models.RunStatusFailed:
		return status.Error(codes.Internal, rec.Error)
	}
	return nil
}

// StreamRun follows a run started elsewhere until it ends.
func (s *SimulationGRPCServer) StreamRun(req *structpb.Struct, ss grpc.ServerStream) error {
	runID := stringField(req, "run_id")
	if runID == "" {
		return status.Error(codes.InvalidArgument, "run_id is required")
	}
	done, detach, err := s.Executor.Subscribe(runID, stream.NewGRPCSink(ss))
	if err != nil {
		return runStatusError(err)
	}
	defer detach()

	select {
	case <-done:
		return nil
	case <-ss.Context().Done():
		return ss.Context().Err()
	}
}

func runStatusError(err error) error {
	switch {
	case errors.Is(err, models.ErrValidation), errors.Is(err, ErrRunIDMissing):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrRunNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrRunExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, ErrRunTerminal), errors.Is(err, ErrRunNotLive):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func stringField(s *structpb.Struct, name string) string {
	if s == nil {
		return ""
	}
	return s.GetFields()[name].GetStringValue()
}

func decodeRunRequest(s *structpb.Struct) (models.RunRequest, error) {
	var req models.RunRequest
	if s == nil {
		return req, fmt.Errorf("%w: request is required", models.ErrValidation)
	}
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return req, err
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("%w: %w", models.ErrValidation, err)
	}
	return req, nil
}

func runToStruct(rec RunRecord) (*structpb.Struct, error) {
	data, err := json.Marshal(runToJSON(rec))
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}
