package distributor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/GoSim-25-26J-441/montecarlo-core/internal/pricing"
	"github.com/GoSim-25-26J-441/montecarlo-core/pkg/logger"
	"github.com/GoSim-25-26J-441/montecarlo-core/pkg/models"
)

const (
	BatchWorkerServiceName = "montecarlo.v1.BatchWorker"
	runBatchFullMethod     = "/montecarlo.v1.BatchWorker/RunBatch"

	// MaxWorkerMessageSize bounds one RunBatch message in either direction.
	// A batch result carries every record of the batch in a single message.
	MaxWorkerMessageSize = 256 << 20
)

// ErrMalformedResult is returned when a worker's result does not cover
// exactly the unit it was sent.
var ErrMalformedResult = errors.New("malformed worker result")

// WorkerServerOptions are the server options a batch worker needs to
// exchange full batches with the coordinator.
func WorkerServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.MaxRecvMsgSize(MaxWorkerMessageSize),
		grpc.MaxSendMsgSize(MaxWorkerMessageSize),
	}
}

// WorkerDialOptions are the client options DialWorkers uses, minus
// transport credentials.
func WorkerDialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(MaxWorkerMessageSize),
			grpc.MaxCallSendMsgSize(MaxWorkerMessageSize),
		),
	}
}

// BatchWorkerServer is the server API of the remote batch worker.
type BatchWorkerServer interface {
	RunBatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// BatchWorkerServiceDesc describes the BatchWorker service for grpc.Server.
var BatchWorkerServiceDesc = grpc.ServiceDesc{
	ServiceName: BatchWorkerServiceName,
	HandlerType: (*BatchWorkerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RunBatch",
			Handler:    runBatchHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "montecarlo/v1/worker.proto",
}

func runBatchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BatchWorkerServer).RunBatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: runBatchFullMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BatchWorkerServer).RunBatch(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterWorkerServer registers srv on s.
func RegisterWorkerServer(s grpc.ServiceRegistrar, srv BatchWorkerServer) {
	s.RegisterService(&BatchWorkerServiceDesc, srv)
}

// WorkerServer executes batches on behalf of a remote coordinator.
type WorkerServer struct {
	executor Executor
}

// NewWorkerServer creates a WorkerServer backed by executor.
func NewWorkerServer(executor Executor) *WorkerServer {
	return &WorkerServer{executor: executor}
}

func (s *WorkerServer) RunBatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	unit, err := DecodeUnit(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	res, err := s.executor.Execute(ctx, unit)
	if err != nil {
		logger.Warn("remote batch failed", "batch_start", unit.StartSimID, "batch_size", unit.BatchSize, "error", err)
		switch {
		case errors.Is(err, pricing.ErrInvalidOptionType):
			return nil, status.Error(codes.InvalidArgument, err.Error())
		case errors.Is(err, context.Canceled):
			return nil, status.Error(codes.Canceled, err.Error())
		default:
			return nil, status.Error(codes.Internal, err.Error())
		}
	}
	return EncodeResult(res), nil
}

// RemoteExecutor sends batches to remote workers, spreading them round-robin.
type RemoteExecutor struct {
	conns []grpc.ClientConnInterface
	next  atomic.Uint64
}

// NewRemoteExecutor creates an executor over established connections.
func NewRemoteExecutor(conns ...grpc.ClientConnInterface) (*RemoteExecutor, error) {
	if len(conns) == 0 {
		return nil, errors.New("remote executor needs at least one worker connection")
	}
	return &RemoteExecutor{conns: conns}, nil
}

func (e *RemoteExecutor) Execute(ctx context.Context, unit models.BatchUnit) (models.BatchResult, error) {
	conn := e.conns[(e.next.Add(1)-1)%uint64(len(e.conns))]

	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, runBatchFullMethod, EncodeUnit(unit), out); err != nil {
		return models.BatchResult{Unit: unit}, fmt.Errorf("remote worker: %w", err)
	}
	res, err := DecodeResult(out)
	if err != nil {
		return models.BatchResult{Unit: unit}, fmt.Errorf("remote worker: decode result: %w", err)
	}
	if err := checkResult(unit, res); err != nil {
		return models.BatchResult{Unit: unit}, fmt.Errorf("remote worker: %w", err)
	}
	return res, nil
}

// checkResult verifies that res covers unit: the same unit echoed back,
// steps+1 records per simulation and no simulation id outside the range.
func checkResult(unit models.BatchUnit, res models.BatchResult) error {
	if res.Unit != unit {
		return fmt.Errorf("%w: sent %s, got %s", ErrMalformedResult, unit, res.Unit)
	}
	if want := unit.BatchSize * (unit.Params.Steps + 1); len(res.Records) != want {
		return fmt.Errorf("%w: %s: expected %d records, got %d", ErrMalformedResult, unit, want, len(res.Records))
	}
	for _, r := range res.Records {
		if id := r.SimulationID(); id < unit.StartSimID || id > unit.EndSimID() {
			return fmt.Errorf("%w: %s: simulation %d out of range", ErrMalformedResult, unit, id)
		}
	}
	return nil
}

// DialWorkers opens one client connection per address. Connections are
// established lazily by gRPC; the caller closes them.
func DialWorkers(addrs []string) ([]*grpc.ClientConn, error) {
	conns := make([]*grpc.ClientConn, 0, len(addrs))
	for _, addr := range addrs {
		opts := append(WorkerDialOptions(), grpc.WithTransportCredentials(insecure.NewCredentials()))
		cc, err := grpc.NewClient(addr, opts...)
		if err != nil {
			for _, c := range conns {
				_ = c.Close()
			}
			return nil, fmt.Errorf("dial worker %s: %w", addr, err)
		}
		conns = append(conns, cc)
	}
	return conns, nil
}
