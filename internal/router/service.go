package router

import (
	"context"
	"errors"
	"sort"

	"github.com/go-logr/logr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"continuum/internal/pool"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "continuum.v1.Router"

const (
	routeMethod         = "/" + ServiceName + "/Route"
	ringMethod          = "/" + ServiceName + "/Ring"
	reportFailureMethod = "/" + ServiceName + "/ReportFailure"
)

// RouterServer is the server API for the Router service.
type RouterServer interface {
	// Route takes {pool, key} and returns {pool, server, addr, index}.
	Route(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// Ring takes {pool} and returns the continuum and server statuses.
	Ring(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// ReportFailure takes {pool, server}.
	ReportFailure(context.Context, *structpb.Struct) (*emptypb.Empty, error)
}

func unaryHandler[Resp any](method string, call func(RouterServer, context.Context, *structpb.Struct) (Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RouterServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(RouterServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc is the grpc.ServiceDesc for the Router service. Messages are
// well-known Struct and Empty types and no file descriptor is registered,
// so reflection lists the service but cannot describe it.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RouterServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Route", Handler: unaryHandler(routeMethod, RouterServer.Route)},
		{MethodName: "Ring", Handler: unaryHandler(ringMethod, RouterServer.Ring)},
		{MethodName: "ReportFailure", Handler: unaryHandler(reportFailureMethod, RouterServer.ReportFailure)},
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterRouterServer registers srv with s.
func RegisterRouterServer(s grpc.ServiceRegistrar, srv RouterServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Service implements RouterServer over a set of pools.
type Service struct {
	pools map[string]*pool.Pool
	log   logr.Logger
}

// NewService creates a Router service for pools.
func NewService(pools []*pool.Pool, log logr.Logger) *Service {
	s := &Service{
		pools: make(map[string]*pool.Pool, len(pools)),
		log:   log,
	}
	for _, p := range pools {
		s.pools[p.Name()] = p
	}
	return s
}

func stringField(in *structpb.Struct, name string) (string, error) {
	v, ok := in.GetFields()[name]
	if !ok {
		return "", status.Errorf(codes.InvalidArgument, "%s is required", name)
	}
	sv, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok || sv.StringValue == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s must be a non-empty string", name)
	}
	return sv.StringValue, nil
}

func (s *Service) lookup(in *structpb.Struct) (*pool.Pool, error) {
	name, err := stringField(in, "pool")
	if err != nil {
		return nil, err
	}
	p, ok := s.pools[name]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown pool %s", name)
	}
	return p, nil
}

// Route handles Route requests.
func (s *Service) Route(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	p, err := s.lookup(in)
	if err != nil {
		return nil, err
	}
	key, err := stringField(in, "key")
	if err != nil {
		return nil, err
	}

	srv, err := p.Route([]byte(key))
	if errors.Is(err, pool.ErrNoLiveServers) {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	return structpb.NewStruct(map[string]any{
		"pool":   p.Name(),
		"server": srv.Name,
		"addr":   srv.Addr,
		"index":  srv.Index,
	})
}

// Ring handles Ring requests.
func (s *Service) Ring(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	p, err := s.lookup(in)
	if err != nil {
		return nil, err
	}

	r := p.Ring()
	points := r.Points()
	pointList := make([]any, 0, len(points))
	for _, pt := range points {
		srv, _ := p.Server(int(pt.Index))
		pointList = append(pointList, map[string]any{
			"position": pt.Position,
			"index":    pt.Index,
			"server":   srv.Name,
		})
	}

	statuses := p.Servers()
	serverList := make([]any, 0, len(statuses))
	for _, st := range statuses {
		entry := map[string]any{
			"name":     st.Name,
			"addr":     st.Addr,
			"weight":   st.Weight,
			"live":     st.Live,
			"failures": st.Failures,
		}
		if !st.EligibleAt.IsZero() {
			entry["eligible_at_unix_ms"] = st.EligibleAt.UnixMilli()
		}
		serverList = append(serverList, entry)
	}

	var nextRebuild int64
	if next := r.NextRebuildAt(); !next.IsZero() {
		nextRebuild = next.UnixMilli()
	}

	return structpb.NewStruct(map[string]any{
		"pool":                 p.Name(),
		"distribution":         p.Distribution(),
		"strategy":             r.Strategy().String(),
		"live":                 r.LiveCount(),
		"capacity":             r.Cap(),
		"total_weight":         r.TotalWeight(),
		"next_rebuild_unix_ms": nextRebuild,
		"points":               pointList,
		"servers":              serverList,
	})
}

// ReportFailure handles ReportFailure requests.
func (s *Service) ReportFailure(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	p, err := s.lookup(in)
	if err != nil {
		return nil, err
	}
	name, err := stringField(in, "server")
	if err != nil {
		return nil, err
	}

	if err := p.ReportFailure(name); err != nil {
		if errors.Is(err, pool.ErrUnknownServer) {
			return nil, status.Error(codes.NotFound, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	s.log.V(1).Info("failure reported", "pool", p.Name(), "server", name)
	return &emptypb.Empty{}, nil
}

// PoolNames returns the served pool names in sorted order.
func (s *Service) PoolNames() []string {
	names := make([]string, 0, len(s.pools))
	for name := range s.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
