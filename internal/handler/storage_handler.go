package handler

import (
	"context"
	stderrors "errors"

	"github.com/devrev/nvstore/internal/errors"
	"github.com/devrev/nvstore/internal/service"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "nvstore.v1.Store"

// StoreServer is the server API of the Store service
type StoreServer interface {
	Get(context.Context, *GetRequest) (*GetResponse, error)
	Set(context.Context, *SetRequest) (*SetResponse, error)
	Erase(context.Context, *EraseRequest) (*EraseResponse, error)
	Exists(context.Context, *ExistsRequest) (*ExistsResponse, error)
	List(context.Context, *ListRequest) (*ListResponse, error)
	Stats(context.Context, *StatsRequest) (*StatsResponse, error)
}

// unary builds the method descriptor for one request/response pair. The
// request is decoded from its protobuf form before the interceptors run and
// the response is encoded after them.
func unary[Req any, Resp Message, PReq interface {
	*Req
	Message
}](name string, call func(StoreServer, context.Context, *Req) (Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			wire := NewMessage(PReq(in))
			if err := dec(wire); err != nil {
				return nil, err
			}
			PReq(in).unmarshalFrom(wire)

			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				resp, err := call(srv.(StoreServer), ctx, req.(*Req))
				if err != nil {
					return nil, err
				}
				return EncodeMessage(resp), nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// StoreServiceDesc describes the Store service for grpc.Server.RegisterService
var StoreServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StoreServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Get", StoreServer.Get),
		unary("Set", StoreServer.Set),
		unary("Erase", StoreServer.Erase),
		unary("Exists", StoreServer.Exists),
		unary("List", StoreServer.List),
		unary("Stats", StoreServer.Stats),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "nvstore/v1/store.proto",
}

// RegisterStoreServer registers srv with s
func RegisterStoreServer(s grpc.ServiceRegistrar, srv StoreServer) {
	s.RegisterService(&StoreServiceDesc, srv)
}

// StorageHandler implements the Store service on top of a service.Store
type StorageHandler struct {
	store  *service.Store
	logger *zap.Logger
}

// NewStorageHandler creates a new storage handler
func NewStorageHandler(store *service.Store, logger *zap.Logger) *StorageHandler {
	return &StorageHandler{
		store:  store,
		logger: logger,
	}
}

// fail logs unexpected errors and converts err to a gRPC status
func (h *StorageHandler) fail(op, ns, key string, err error) error {
	switch {
	case stderrors.Is(err, errors.ErrNotFound), stderrors.Is(err, errors.ErrInvalidArgument),
		stderrors.Is(err, errors.ErrTypeMismatch):
		h.logger.Debug(op+" rejected",
			zap.String("namespace", ns),
			zap.String("key", key),
			zap.Error(err))
	default:
		h.logger.Error(op+" failed",
			zap.String("namespace", ns),
			zap.String("key", key),
			zap.Error(err))
	}
	return errors.ToGRPCError(err)
}

// Get handles read requests
func (h *StorageHandler) Get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	v, err := h.store.Get(ctx, req.Namespace, req.Key)
	if err != nil {
		return nil, h.fail("Get", req.Namespace, req.Key, err)
	}
	return &GetResponse{Value: FromModel(v)}, nil
}

// Set handles write requests
func (h *StorageHandler) Set(ctx context.Context, req *SetRequest) (*SetResponse, error) {
	v, err := req.Value.ToModel()
	if err != nil {
		return nil, h.fail("Set", req.Namespace, req.Key, err)
	}
	if err := h.store.Set(ctx, req.Namespace, req.Key, v); err != nil {
		return nil, h.fail("Set", req.Namespace, req.Key, err)
	}
	return &SetResponse{}, nil
}

// Erase handles erase requests
func (h *StorageHandler) Erase(ctx context.Context, req *EraseRequest) (*EraseResponse, error) {
	if err := h.store.Erase(ctx, req.Namespace, req.Key); err != nil {
		return nil, h.fail("Erase", req.Namespace, req.Key, err)
	}
	return &EraseResponse{}, nil
}

// Exists reports key membership
func (h *StorageHandler) Exists(ctx context.Context, req *ExistsRequest) (*ExistsResponse, error) {
	ok, err := h.store.Exists(ctx, req.Namespace, req.Key)
	if err != nil {
		return nil, h.fail("Exists", req.Namespace, req.Key, err)
	}
	return &ExistsResponse{Exists: ok}, nil
}

// List returns the live keys of a namespace
func (h *StorageHandler) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.ToGRPCError(err)
	}
	entries, err := h.store.Entries(req.Namespace)
	if err != nil {
		return nil, h.fail("List", req.Namespace, "", err)
	}
	resp := &ListResponse{Entries: make([]EntryInfo, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, EntryInfo{
			Namespace: e.Namespace,
			Key:       e.Key,
			Type:      e.Type.String(),
			Size:      e.Size,
		})
	}
	return resp, nil
}

// Stats returns slot and page usage
func (h *StorageHandler) Stats(ctx context.Context, req *StatsRequest) (*StatsResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.ToGRPCError(err)
	}
	st, err := h.store.Stats()
	if err != nil {
		return nil, h.fail("Stats", "", "", err)
	}
	return &StatsResponse{
		UsedSlots:     st.UsedSlots,
		FreeSlots:     st.FreeSlots,
		ErasedSlots:   st.ErasedSlots,
		TotalSlots:    st.TotalSlots,
		Namespaces:    h.store.Namespaces(),
		KeyCount:      st.KeyCount,
		PagesByState:  st.PagesByState,
		MinEraseCount: st.MinEraseCount,
		MaxEraseCount: st.MaxEraseCount,
	}, nil
}
