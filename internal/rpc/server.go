package rpc

import (
	"context"
	"errors"
	"log"

	"github.com/kakaiu/foundationdb/internal/ddserr"
	"github.com/kakaiu/foundationdb/internal/distributor"
	"github.com/kakaiu/foundationdb/internal/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "datadistributor.DataDistributor"

// Server implements the distributor service over a Supervisor.
type Server struct {
	sup *distributor.Supervisor

	// dbInfoChanged is closed when the cluster controller reports a
	// recovery; an in-flight snapshot aborts on it.
	dbInfoChanged <-chan struct{}
}

// NewServer wires the RPC surface to sup. dbInfoChanged may be nil when
// no recovery signal is available.
func NewServer(sup *distributor.Supervisor, dbInfoChanged <-chan struct{}) *Server {
	return &Server{sup: sup, dbInfoChanged: dbInfoChanged}
}

// Register attaches the service to g.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
}

// Halt asks the supervisor to exit and return normally.
func (s *Server) Halt(ctx context.Context, req *HaltRequest) (*HaltResponse, error) {
	log.Printf("rpc: halt requested by %s", req.RequesterID)
	s.sup.Halt(req.RequesterID)
	return &HaltResponse{}, nil
}

// Metrics serves the shard-metrics query.
func (s *Server) Metrics(ctx context.Context, req *MetricsRequest) (*MetricsResponse, error) {
	r := model.KeyRange{Begin: req.Begin, End: req.End}
	result, err := s.sup.Metrics(r, req.ShardLimit, req.MidOnly)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &MetricsResponse{MidShardSize: result.MidShardSize}
	for _, m := range result.Shards {
		resp.Shards = append(resp.Shards, ShardMetricsEntry{
			Begin:      m.Range.Begin,
			End:        m.Range.End,
			ShardBytes: m.ShardBytes,
		})
	}
	return resp, nil
}

// SnapCreate runs a cluster snapshot for the operator.
func (s *Server) SnapCreate(ctx context.Context, req *SnapRequest) (*SnapResponse, error) {
	if err := s.sup.SnapCreate(ctx, req.UID, req.Payload, s.dbInfoChanged); err != nil {
		return nil, toStatus(err)
	}
	return &SnapResponse{}, nil
}

// ExclusionSafetyCheck reports whether the requested exclusions leave
// every range covered.
func (s *Server) ExclusionSafetyCheck(ctx context.Context, req *ExclusionCheckRequest) (*ExclusionCheckResponse, error) {
	if len(req.Exclusions) == 0 {
		return nil, status.Error(codes.InvalidArgument, "exclusions list is empty")
	}
	safe, err := s.sup.CheckExclusion(req.Exclusions)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ExclusionCheckResponse{Safe: safe}, nil
}

// WigglerState reports the per-region rotation states.
func (s *Server) WigglerState(ctx context.Context, req *WigglerStateRequest) (*WigglerStateResponse, error) {
	states, err := s.sup.WigglerStates()
	if err != nil {
		return nil, toStatus(err)
	}
	if len(states) == 0 {
		return nil, status.Error(codes.Unavailable, "no team collections running")
	}
	resp := &WigglerStateResponse{
		Primary:           states[0].State,
		LastChangePrimary: states[0].LastChange,
	}
	if len(states) > 1 {
		remote := states[1].State
		lastChange := states[1].LastChange
		resp.Remote = &remote
		resp.LastChangeRemote = &lastChange
	}
	return resp, nil
}

// toStatus maps the distributor's failure taxonomy onto gRPC statuses so
// operator tooling can branch on codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, ddserr.ErrTimedOut):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, ddserr.ErrOperationCancelled), errors.Is(err, ddserr.ErrActorCancelled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, ddserr.ErrBrokenPromise):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, ddserr.ErrSnapStorageFailed),
		errors.Is(err, ddserr.ErrSnapTLogFailed),
		errors.Is(err, ddserr.ErrSnapCoordFailed),
		errors.Is(err, ddserr.ErrSnapDisableTLogPopFailed),
		errors.Is(err, ddserr.ErrSnapEnableTLogPopFailed),
		errors.Is(err, ddserr.ErrSnapWithRecoveryUnsupported):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, ddserr.ErrOperationFailed):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func unaryHandler[Req any, Resp any](method string, call func(*Server, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(*Server), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(*Server), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Halt", (*Server).Halt),
		unaryHandler("Metrics", (*Server).Metrics),
		unaryHandler("SnapCreate", (*Server).SnapCreate),
		unaryHandler("ExclusionSafetyCheck", (*Server).ExclusionSafetyCheck),
		unaryHandler("WigglerState", (*Server).WigglerState),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "datadistributor",
}
