package calls

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/drblury/tenantflow/internal/runtime/envelope"
	"github.com/drblury/tenantflow/internal/runtime/ids"
	"github.com/drblury/tenantflow/internal/runtime/jsoncodec"
	"github.com/drblury/tenantflow/internal/runtime/tenant"
)

// EventsServiceName is the gRPC service routed to tenant event stores.
const EventsServiceName = "tenantflow.v1.TenantEvents"

// EventService is the per-tenant event API. Requests and responses are
// protobuf Structs so no generated code is needed.
type EventService interface {
	AddEvents(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetEvent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterEventService registers svc under EventsServiceName.
func RegisterEventService(server grpc.ServiceRegistrar, svc EventService) {
	server.RegisterService(&grpc.ServiceDesc{
		ServiceName: EventsServiceName,
		HandlerType: (*EventService)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "AddEvents", Handler: structHandler("AddEvents", svc.AddEvents)},
			{MethodName: "GetEvent", Handler: structHandler("GetEvent", svc.GetEvent)},
		},
		Streams: []grpc.StreamDesc{},
	}, svc)
}

type structMethod func(context.Context, *structpb.Struct) (*structpb.Struct, error)

func structHandler(name string, fn structMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + EventsServiceName + "/" + name
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := &structpb.Struct{}
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return fn(ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			typed, ok := req.(*structpb.Struct)
			if !ok {
				return nil, status.Error(codes.InvalidArgument, "invalid request type")
			}
			return fn(ctx, typed)
		}
		return interceptor(ctx, req, info, handler)
	}
}

// EventProxy is the process-wide EventService. Each call is forwarded to
// the EventService implementation of the tenant resolved for the call.
type EventProxy struct{}

func (EventProxy) AddEvents(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return Route(ctx, req, EventService.AddEvents)
}

func (EventProxy) GetEvent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return Route(ctx, req, EventService.GetEvent)
}

// tenantEvents serves EventService from one tenant's event store.
type tenantEvents struct {
	events tenant.EventManagement
	now    func() time.Time
}

// NewEventService adapts a tenant event store to EventService.
func NewEventService(events tenant.EventManagement) EventService {
	return &tenantEvents{events: events, now: time.Now}
}

// AddEvents accepts {"events": [...]} where each item uses the envelope
// JSON field names. Missing ids and dates are filled in.
func (s *tenantEvents) AddEvents(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	list := req.GetFields()["events"].GetListValue()
	if list == nil || len(list.GetValues()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "events are required")
	}
	now := s.now().UTC()
	batch := make([]*envelope.Envelope, 0, len(list.GetValues()))
	accepted := make([]any, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		f, err := fieldsFromValue(v)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "event %d: %v", i, err)
		}
		if f.ID == "" {
			f.ID = ids.CreateULID()
		}
		if f.EventDate.IsZero() {
			f.EventDate = now
		}
		f.ReceivedDate = now
		batch = append(batch, envelope.New(f))
		accepted = append(accepted, f.ID)
	}
	if err := s.events.AddEvents(ctx, batch...); err != nil {
		return nil, status.Errorf(codes.Internal, "add events: %v", err)
	}
	return structpb.NewStruct(map[string]any{"accepted": float64(len(batch)), "ids": accepted})
}

// GetEvent accepts {"id": "..."}.
func (s *tenantEvents) GetEvent(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := req.GetFields()["id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	e, err := s.events.GetEvent(ctx, id)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "get event: %v", err)
	}
	if e == nil {
		return nil, status.Errorf(codes.NotFound, "event %s not found", id)
	}
	return structFromEnvelope(e)
}

func fieldsFromValue(v *structpb.Value) (envelope.Fields, error) {
	var f envelope.Fields
	if v.GetStructValue() == nil {
		return f, fmt.Errorf("event must be an object")
	}
	data, err := v.MarshalJSON()
	if err != nil {
		return f, err
	}
	if err := jsoncodec.Unmarshal(data, &f); err != nil {
		return f, err
	}
	return f, nil
}

func structFromEnvelope(e *envelope.Envelope) (*structpb.Struct, error) {
	data, err := envelope.JSONCodec{}.Encode(e)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode event: %v", err)
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(data); err != nil {
		return nil, status.Errorf(codes.Internal, "encode event: %v", err)
	}
	return out, nil
}

// EventClient calls EventsServiceName on a connection.
type EventClient struct {
	cc grpc.ClientConnInterface
}

func NewEventClient(cc grpc.ClientConnInterface) *EventClient {
	return &EventClient{cc: cc}
}

func (c *EventClient) AddEvents(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, "/"+EventsServiceName+"/AddEvents", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *EventClient) GetEvent(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, "/"+EventsServiceName+"/GetEvent", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
