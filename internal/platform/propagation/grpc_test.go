package propagation

import (
	"context"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/ehr/pssim/internal/platform/location"
)

func TestUnaryClientInterceptor_InjectsMetadata(t *testing.T) {
	cache := location.NewCache()
	cache.Put("X110123123", testLocation)
	inj := NewInjector(cache, DefaultConfig())

	ctx := scopedContext("X110123123", "actor-1")
	ctx = metadata.AppendToOutgoingContext(ctx, "x-trace", "t-1")

	var got metadata.MD
	invoker := func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		got, _ = metadata.FromOutgoingContext(ctx)
		return nil
	}

	err := inj.UnaryClientInterceptor()(ctx, "/vau.Proxy/Forward", nil, nil, nil, invoker)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v := got.Get(DefaultRoutingHeader); len(v) != 1 || v[0] != string(testLocation) {
		t.Errorf("expected routing metadata, got %v", v)
	}
	if v := got.Get(DefaultActorHeader); len(v) != 1 || v[0] != "actor-1" {
		t.Errorf("expected actor metadata, got %v", v)
	}
	if v := got.Get("x-trace"); len(v) != 1 || v[0] != "t-1" {
		t.Errorf("expected existing metadata kept, got %v", v)
	}
}

func TestUnaryClientInterceptor_FallbackFromMetadata(t *testing.T) {
	cache := location.NewCache()
	cache.Put("X110123123", testLocation)
	inj := NewInjector(cache, DefaultConfig())

	ctx := metadata.AppendToOutgoingContext(context.Background(), "kvnr", "X110123123")

	var got metadata.MD
	invoker := func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		got, _ = metadata.FromOutgoingContext(ctx)
		return nil
	}

	if err := inj.UnaryClientInterceptor()(ctx, "/svc/Call", nil, nil, nil, invoker); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v := got.Get(DefaultRoutingHeader); len(v) != 1 || v[0] != string(testLocation) {
		t.Errorf("expected routing metadata from fallback key, got %v", v)
	}
}

func TestStreamClientInterceptor_InjectsMetadata(t *testing.T) {
	cache := location.NewCache()
	cache.Put("X1", testLocation)
	inj := NewInjector(cache, DefaultConfig())

	var got metadata.MD
	streamer := func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		got, _ = metadata.FromOutgoingContext(ctx)
		return nil, nil
	}

	if _, err := inj.StreamClientInterceptor()(scopedContext("X1", ""), &grpc.StreamDesc{}, nil, "/svc/Stream", streamer); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v := got.Get(DefaultRoutingHeader); len(v) != 1 || v[0] != string(testLocation) {
		t.Errorf("expected routing metadata, got %v", v)
	}
}

func TestUnaryClientInterceptor_DoesNotMutateParentMetadata(t *testing.T) {
	cache := location.NewCache()
	cache.Put("X1", testLocation)
	inj := NewInjector(cache, DefaultConfig())

	parent := metadata.NewOutgoingContext(scopedContext("X1", ""), metadata.Pairs("x-trace", "t-1"))
	invoker := func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		return nil
	}
	_ = inj.UnaryClientInterceptor()(parent, "/svc/Call", nil, nil, nil, invoker)

	md, _ := metadata.FromOutgoingContext(parent)
	if len(md.Get(DefaultRoutingHeader)) != 0 {
		t.Error("expected parent metadata untouched")
	}
}

func TestDialOptions(t *testing.T) {
	if n := len(NewInjector(location.NewCache(), DefaultConfig()).DialOptions()); n != 2 {
		t.Errorf("expected 2 dial options, got %d", n)
	}
}
