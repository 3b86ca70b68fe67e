// Package adminrpc is the gRPC admin surface over the same read
// operations pkg/api exposes via HTTP (spec.md §4.9: "operator tooling
// that prefers RPC over REST"), grounded on the teacher's hand-registered
// grpc.NewServer + grpc.ServiceDesc pattern (example/cmd/assistant/grpc.go)
// but without the DSL/codegen layer that produces the teacher's generated
// .pb.go transport code: messages are google.golang.org/protobuf's
// well-known structpb.Struct/ListValue and emptypb.Empty types, which
// already implement proto.Message, so the service can be registered and
// served with real google.golang.org/grpc and google.golang.org/protobuf
// without a protoc run.
package adminrpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/aegis-ops/aegis/pkg/aegis/incident"
	"github.com/aegis-ops/aegis/pkg/eventstore"
	"github.com/aegis-ops/aegis/pkg/metrics"
)

// Service implements the admin read operations: get incident, list
// incidents, get metrics.
type Service struct {
	store      eventstore.Store
	metricsSvc *metrics.Service
}

// NewService constructs a Service over its collaborators.
func NewService(store eventstore.Store, metricsSvc *metrics.Service) *Service {
	return &Service{store: store, metricsSvc: metricsSvc}
}

// GetIncident returns the full replayable history plus projected state for
// one incident, keyed by req.Fields["id"].
func (s *Service) GetIncident(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := req.GetFields()["id"].GetStringValue()
	events, err := s.store.Read(ctx, id, 0)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, eventstore.ErrIncidentNotFound(id)
	}
	inc, err := s.store.ReplayState(ctx, id)
	if err != nil {
		return nil, err
	}
	return toStruct(struct {
		Incident incident.Incident `json:"incident"`
		Events   []incident.Event  `json:"events"`
	}{inc, events})
}

// ListIncidents returns a page of incident projections matching the
// filter carried in req.
func (s *Service) ListIncidents(ctx context.Context, req *structpb.Struct) (*structpb.ListValue, error) {
	filter := eventstore.ListFilter{
		Status: incident.Status(req.GetFields()["status"].GetStringValue()),
	}
	if v, ok := req.GetFields()["min_severity"]; ok {
		filter.MinSeverity = incident.Severity(int(v.GetNumberValue()))
	}
	if v, ok := req.GetFields()["limit"]; ok {
		filter.Limit = int(v.GetNumberValue())
	}

	incidents, err := s.store.ListIncidents(ctx, filter)
	if err != nil {
		return nil, err
	}
	values := make([]*structpb.Value, len(incidents))
	for i, inc := range incidents {
		st, err := toStruct(inc)
		if err != nil {
			return nil, err
		}
		values[i] = structpb.NewStructValue(st)
	}
	return &structpb.ListValue{Values: values}, nil
}

// GetMetrics computes the business metrics snapshot over the most recent
// incidents.
func (s *Service) GetMetrics(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	incidents, err := s.store.ListIncidents(ctx, eventstore.ListFilter{Limit: 1000})
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(incidents))
	for i, inc := range incidents {
		ids[i] = inc.ID
	}
	snap, err := s.metricsSvc.Compute(ctx, ids)
	if err != nil {
		return nil, err
	}
	return toStruct(snap)
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// serviceName is the fully-qualified gRPC service name.
const serviceName = "aegis.admin.v1.AdminService"

// ServiceDesc is the hand-registered grpc.ServiceDesc binding the Service
// methods above onto the gRPC wire, mirroring the shape generated .pb.go
// code would produce.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetIncident", Handler: getIncidentHandler},
		{MethodName: "ListIncidents", Handler: listIncidentsHandler},
		{MethodName: "GetMetrics", Handler: getMetricsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "aegis/admin.proto",
}

func getIncidentHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	svc := srv.(*Service)
	if interceptor == nil {
		return svc.GetIncident(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: svc, FullMethod: "/" + serviceName + "/GetIncident"}
	handler := func(ctx context.Context, req any) (any, error) {
		return svc.GetIncident(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func listIncidentsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	svc := srv.(*Service)
	if interceptor == nil {
		return svc.ListIncidents(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: svc, FullMethod: "/" + serviceName + "/ListIncidents"}
	handler := func(ctx context.Context, req any) (any, error) {
		return svc.ListIncidents(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getMetricsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	svc := srv.(*Service)
	if interceptor == nil {
		return svc.GetMetrics(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: svc, FullMethod: "/" + serviceName + "/GetMetrics"}
	handler := func(ctx context.Context, req any) (any, error) {
		return svc.GetMetrics(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterAdminServiceServer registers svc on srv using ServiceDesc.
func RegisterAdminServiceServer(srv *grpc.Server, svc *Service) {
	srv.RegisterService(&ServiceDesc, svc)
}
