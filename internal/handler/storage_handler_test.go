package handler

import (
	"context"
	"testing"
	"time"

	"github.com/devrev/nvstore/internal/flash"
	"github.com/devrev/nvstore/internal/model"
	"github.com/devrev/nvstore/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
)

func newTestHandler(t *testing.T) *StorageHandler {
	t.Helper()
	store, err := service.Open(context.Background(), flash.NewMemRegion(4096, 4), service.DefaultStoreConfig(), zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewStorageHandler(store, zap.NewNop())
}

func TestStorageHandler_SetGet(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	_, err := h.Set(ctx, &SetRequest{Namespace: "ns", Key: "k", Value: Value{Type: "u16", Data: []byte{0x34, 0x12}}})
	require.NoError(t, err)

	resp, err := h.Get(ctx, &GetRequest{Namespace: "ns", Key: "k"})
	require.NoError(t, err)
	assert.Equal(t, "u16", resp.Value.Type)

	v, err := resp.Value.ToModel()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1234), v.AsUint())
}

func TestStorageHandler_StatusCodes(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	_, err := h.Get(ctx, &GetRequest{Namespace: "ns", Key: "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = h.Set(ctx, &SetRequest{Namespace: "ns", Key: "k", Value: Value{Type: "float", Data: []byte{1}}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = h.Set(ctx, &SetRequest{Namespace: "ns", Key: "k", Value: Value{Type: "u8", Data: []byte{1, 2}}})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = h.Set(ctx, &SetRequest{Namespace: "ns", Key: "k", Value: Value{Type: "string", Data: []byte("v")}})
	require.NoError(t, err)
	_, err = h.Erase(ctx, &EraseRequest{Namespace: "ns", Key: "nope"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = h.Stats(canceled, &StatsRequest{})
	assert.Equal(t, codes.Canceled, status.Code(err))
}

func TestStorageHandler_ListAndStats(t *testing.T) {
	h := newTestHandler(t)
	ctx := context.Background()

	for _, k := range []string{"b", "a"} {
		_, err := h.Set(ctx, &SetRequest{Namespace: "ns", Key: k, Value: FromModel(model.StringValue("v-" + k))})
		require.NoError(t, err)
	}

	list, err := h.List(ctx, &ListRequest{Namespace: "ns"})
	require.NoError(t, err)
	require.Len(t, list.Entries, 2)
	assert.Equal(t, EntryInfo{Namespace: "ns", Key: "a", Type: "string", Size: 3}, list.Entries[0])

	ex, err := h.Exists(ctx, &ExistsRequest{Namespace: "ns", Key: "b"})
	require.NoError(t, err)
	assert.True(t, ex.Exists)

	st, err := h.Stats(ctx, &StatsRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, st.KeyCount)
	assert.Equal(t, []string{"ns"}, st.Namespaces)
}

func TestMessages_ProtobufWireFormat(t *testing.T) {
	b, err := proto.Marshal(EncodeMessage(&GetRequest{Namespace: "ns", Key: "k"}))
	require.NoError(t, err)
	// field 1 "ns", field 2 "k"
	assert.Equal(t, []byte{0x0a, 0x02, 'n', 's', 0x12, 0x01, 'k'}, b)

	wire := NewMessage(&GetRequest{})
	require.NoError(t, proto.Unmarshal(b, wire))
	var req GetRequest
	require.NoError(t, DecodeMessage(wire, &req))
	assert.Equal(t, GetRequest{Namespace: "ns", Key: "k"}, req)

	assert.Error(t, DecodeMessage(wire, &SetRequest{}))
	assert.Error(t, proto.Unmarshal([]byte{0x0a, 0x05, 'n'}, NewMessage(&GetRequest{})))
}

func TestMessages_StatsRoundTrip(t *testing.T) {
	in := &StatsResponse{
		UsedSlots:     10,
		FreeSlots:     200,
		TotalSlots:    210,
		Namespaces:    []string{"a", "b"},
		KeyCount:      4,
		PagesByState:  map[string]int{"active": 1, "empty": 3, "full": 0},
		MinEraseCount: 2,
		MaxEraseCount: 9,
	}
	b, err := proto.Marshal(EncodeMessage(in))
	require.NoError(t, err)

	wire := NewMessage(&StatsResponse{})
	require.NoError(t, proto.Unmarshal(b, wire))
	var out StatsResponse
	require.NoError(t, DecodeMessage(wire, &out))
	assert.Equal(t, in, &out)
}

func TestMessages_ValueAndList(t *testing.T) {
	set := &SetRequest{Namespace: "ns", Key: "k", Value: Value{Type: "blob", Data: []byte{0, 1, 2}}}
	b, err := proto.Marshal(EncodeMessage(set))
	require.NoError(t, err)
	wire := NewMessage(&SetRequest{})
	require.NoError(t, proto.Unmarshal(b, wire))
	var got SetRequest
	require.NoError(t, DecodeMessage(wire, &got))
	assert.Equal(t, *set, got)

	list := &ListResponse{Entries: []EntryInfo{{Namespace: "a", Key: "x", Type: "u8", Size: 1}, {Namespace: "b", Key: "y", Type: "string", Size: 0}}}
	b, err = proto.Marshal(EncodeMessage(list))
	require.NoError(t, err)
	wire = NewMessage(&ListResponse{})
	require.NoError(t, proto.Unmarshal(b, wire))
	var gotList ListResponse
	require.NoError(t, DecodeMessage(wire, &gotList))
	assert.Equal(t, *list, gotList)
}

func TestServiceDescriptor_Registered(t *testing.T) {
	d, err := protoregistry.GlobalFiles.FindDescriptorByName(ServiceName)
	require.NoError(t, err)
	sd, ok := d.(protoreflect.ServiceDescriptor)
	require.True(t, ok)
	for _, m := range StoreServiceDesc.Methods {
		md := sd.Methods().ByName(protoreflect.Name(m.MethodName))
		require.NotNil(t, md, m.MethodName)
		assert.Equal(t, protoreflect.FullName(protoPackage+"."+m.MethodName+"Request"), md.Input().FullName())
	}
}

func TestInterceptors(t *testing.T) {
	info := &grpc.UnaryServerInfo{FullMethod: "/" + ServiceName + "/Get"}
	ctx := context.Background()

	t.Run("recovery", func(t *testing.T) {
		_, err := RecoveryInterceptor(zap.NewNop())(ctx, nil, info, func(context.Context, interface{}) (interface{}, error) {
			panic("boom")
		})
		assert.Equal(t, codes.Internal, status.Code(err))
	})

	t.Run("logging passes through", func(t *testing.T) {
		resp, err := LoggingInterceptor(zap.NewNop())(ctx, nil, info, func(context.Context, interface{}) (interface{}, error) {
			return "ok", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "ok", resp)
	})

	t.Run("timeout sets deadline", func(t *testing.T) {
		_, err := TimeoutInterceptor(time.Second)(ctx, nil, info, func(ctx context.Context, _ interface{}) (interface{}, error) {
			_, ok := ctx.Deadline()
			assert.True(t, ok)
			return nil, nil
		})
		require.NoError(t, err)
	})
}
