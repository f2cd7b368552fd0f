// Package health provides a minimal gRPC Check RPC reporting whether each
// cache factory can reach its backend. It uses [grpc.ServiceDesc]
// registration so that no protobuf code generation is required.
//
// Because the request/response types are plain Go structs (not generated
// protobuf messages), the package registers a thin codec wrapper that
// JSON-encodes health types while delegating all other messages to the
// standard proto codec. Import this package (or call [Register]) to
// activate the codec automatically.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcEncoding "google.golang.org/grpc/encoding"
	_ "google.golang.org/grpc/encoding/proto" // ensure default proto codec is registered first
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

// FullMethod is the full gRPC method name of Check.
const FullMethod = "/rawrcache.Health/Check"

// CheckRequest is the input for the Check method.
type CheckRequest struct {
	// Factory restricts the check to one factory. Empty checks all.
	Factory string `json:"factory,omitempty"`
}

// FactoryStatus is the health of one factory.
type FactoryStatus struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// CheckResponse is the output of the Check method.
type CheckResponse struct {
	Statuses       []FactoryStatus `json:"statuses"`
	ServerTimeUnix int64           `json:"server_time_unix"`
}

// Healthy reports whether every listed factory is healthy.
func (r *CheckResponse) Healthy() bool {
	for _, s := range r.Statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// healthMsg is a marker interface satisfied by the request and response.
type healthMsg interface {
	isHealthMsg()
}

func (*CheckRequest) isHealthMsg()  {}
func (*CheckResponse) isHealthMsg() {}

// Handler is the interface that a Health service implementation must satisfy.
type Handler interface {
	Check(ctx context.Context, req *CheckRequest) (*CheckResponse, error)
}

// Checker reports the backend reachability of named factories. A nil error
// means healthy.
type Checker interface {
	Health(ctx context.Context) map[string]error
}

// NewHandler returns a Handler backed by c.
func NewHandler(c Checker) Handler { return checkHandler{c: c} }

type checkHandler struct {
	c Checker
}

func (h checkHandler) Check(ctx context.Context, req *CheckRequest) (*CheckResponse, error) {
	results := h.c.Health(ctx)
	names := slices.Sorted(maps.Keys(results))
	if req.Factory != "" {
		if _, ok := results[req.Factory]; !ok {
			return nil, status.Errorf(codes.NotFound, "unknown cache factory %q", req.Factory)
		}
		names = []string{req.Factory}
	}

	resp := &CheckResponse{
		Statuses:       make([]FactoryStatus, 0, len(names)),
		ServerTimeUnix: time.Now().Unix(),
	}
	for _, name := range names {
		st := FactoryStatus{Name: name, Healthy: results[name] == nil}
		if err := results[name]; err != nil {
			st.Error = err.Error()
		}
		resp.Statuses = append(resp.Statuses, st)
	}
	return resp, nil
}

// ServiceDesc is the grpc.ServiceDesc for the rawrcache.Health service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "rawrcache.Health",
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Check",
			Handler:    checkMethodHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rawrcache/health.proto",
}

func checkMethodHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(CheckRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).Check(ctx, req)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: FullMethod,
	}
	handler := func(ctx context.Context, r any) (any, error) {
		return srv.(Handler).Check(ctx, r.(*CheckRequest))
	}
	return interceptor(ctx, req, info, handler)
}

// Register registers a Health service implementation on the given gRPC server.
func Register(s *grpc.Server, h Handler) {
	s.RegisterService(&ServiceDesc, h)
}

// Check calls the Health service over conn.
func Check(ctx context.Context, conn grpc.ClientConnInterface, factory string) (*CheckResponse, error) {
	resp := new(CheckResponse)
	if err := conn.Invoke(ctx, FullMethod, &CheckRequest{Factory: factory}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ---------- codec wrapper ----------

func init() {
	// Replace the default proto codec with a thin wrapper that JSON-encodes
	// health types and delegates all other (protobuf) messages to
	// proto.Marshal.
	grpcEncoding.RegisterCodec(healthCodec{})
}

type healthCodec struct{}

func (healthCodec) Name() string { return "proto" }

func (healthCodec) Marshal(v any) ([]byte, error) {
	if _, ok := v.(healthMsg); ok {
		return json.Marshal(v)
	}
	if m, ok := v.(proto.Message); ok {
		return proto.Marshal(m)
	}
	return nil, fmt.Errorf("health codec: unsupported message type %T", v)
}

func (healthCodec) Unmarshal(data []byte, v any) error {
	if _, ok := v.(healthMsg); ok {
		return json.Unmarshal(data, v)
	}
	if m, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, m)
	}
	return fmt.Errorf("health codec: unsupported message type %T", v)
}
