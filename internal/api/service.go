// Package api exposes the sync core to the UI process over gRPC. Requests and
// responses are google.protobuf.Struct values; the service descriptors are
// registered by hand. Message bodies travel base64-encoded and sequence
// numbers as decimal strings, since Struct numbers are doubles.
package api

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/chatsync/internal/chaterr"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/reconcile"
	"github.com/matheus3301/chatsync/internal/store"
)

const (
	TimelineServiceName = "chatsync.v1.Timeline"
	SyncServiceName     = "chatsync.v1.Sync"
)

type unaryCall func(srv any, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func unary(service, method string, call unaryCall) grpc.MethodDesc {
	full := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// TimelineServer reads and writes the local timeline.
type TimelineServer interface {
	Compose(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Read(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Retry(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetTyping(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Conversations(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// SyncServer controls conversation lifetimes, wake-ups and credentials.
type SyncServer interface {
	Open(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Close(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Pull(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PushReceived(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetCredentials(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RegisterDevice(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetAvailability(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, grpc.ServerStream) error
}

func timelineMethod(name string, fn func(TimelineServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return unary(TimelineServiceName, name, func(srv any, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
		return fn(srv.(TimelineServer), ctx, req)
	})
}

func syncMethod(name string, fn func(SyncServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return unary(SyncServiceName, name, func(srv any, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
		return fn(srv.(SyncServer), ctx, req)
	})
}

var TimelineServiceDesc = grpc.ServiceDesc{
	ServiceName: TimelineServiceName,
	HandlerType: (*TimelineServer)(nil),
	Methods: []grpc.MethodDesc{
		timelineMethod("Compose", TimelineServer.Compose),
		timelineMethod("Read", TimelineServer.Read),
		timelineMethod("MarkRead", TimelineServer.MarkRead),
		timelineMethod("Retry", TimelineServer.Retry),
		timelineMethod("SetTyping", TimelineServer.SetTyping),
		timelineMethod("Conversations", TimelineServer.Conversations),
	},
	Metadata: "chatsync/v1/timeline.proto",
}

var SyncServiceDesc = grpc.ServiceDesc{
	ServiceName: SyncServiceName,
	HandlerType: (*SyncServer)(nil),
	Methods: []grpc.MethodDesc{
		syncMethod("Open", SyncServer.Open),
		syncMethod("Close", SyncServer.Close),
		syncMethod("Pull", SyncServer.Pull),
		syncMethod("Status", SyncServer.Status),
		syncMethod("PushReceived", SyncServer.PushReceived),
		syncMethod("SetCredentials", SyncServer.SetCredentials),
		syncMethod("RegisterDevice", SyncServer.RegisterDevice),
		syncMethod("SetAvailability", SyncServer.SetAvailability),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    "Watch",
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(structpb.Struct)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return srv.(SyncServer).Watch(in, stream)
		},
	}},
	Metadata: "chatsync/v1/sync.proto",
}

// Register installs both services on s.
func Register(s grpc.ServiceRegistrar, timeline TimelineServer, sync SyncServer) {
	s.RegisterService(&TimelineServiceDesc, timeline)
	s.RegisterService(&SyncServiceDesc, sync)
}

// toStatus maps core errors to gRPC status codes.
func toStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return grpcstatus.FromContextError(err).Err()
	}
	code := codes.Internal
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, outbox.ErrRateLimited):
		code = codes.ResourceExhausted
	case errors.Is(err, outbox.ErrNotFailed):
		code = codes.FailedPrecondition
	case errors.Is(err, reconcile.ErrShutdown), errors.Is(err, reconcile.ErrClosed):
		code = codes.Unavailable
	default:
		switch chaterr.KindOf(err) {
		case chaterr.Auth:
			code = codes.Unauthenticated
		case chaterr.Rejected:
			code = codes.InvalidArgument
		case chaterr.Conflict:
			code = codes.Aborted
		case chaterr.Corruption:
			code = codes.DataLoss
		case chaterr.Transient:
			code = codes.Unavailable
		}
	}
	return grpcstatus.Error(code, fmt.Sprintf("%s: %v", op, err))
}

func required(req *structpb.Struct, key string) (string, error) {
	v := str(req, key)
	if v == "" {
		return "", grpcstatus.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	return v, nil
}

func str(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func num(s *structpb.Struct, key string) int64 {
	return int64(s.GetFields()[key].GetNumberValue())
}

// maxExactInt is the largest integer a float64 carries without rounding.
const maxExactInt = 1 << 53

// seqField reads a sequence number sent as a decimal string or as a number
// small enough to be exact.
func seqField(s *structpb.Struct, key string) (int64, error) {
	v := s.GetFields()[key]
	switch kind := v.GetKind().(type) {
	case nil:
		return 0, nil
	case *structpb.Value_StringValue:
		n, err := strconv.ParseInt(kind.StringValue, 10, 64)
		if err != nil {
			return 0, grpcstatus.Errorf(codes.InvalidArgument, "%s: %q is not an integer", key, kind.StringValue)
		}
		return n, nil
	case *structpb.Value_NumberValue:
		f := kind.NumberValue
		if f != math.Trunc(f) || math.Abs(f) > maxExactInt {
			return 0, grpcstatus.Errorf(codes.InvalidArgument, "%s: %v is not exact; send it as a decimal string", key, f)
		}
		return int64(f), nil
	default:
		return 0, grpcstatus.Errorf(codes.InvalidArgument, "%s must be a decimal string", key)
	}
}

func seqString(n int64) string { return strconv.FormatInt(n, 10) }

func bodyField(s *structpb.Struct, key string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(str(s, key))
	if err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "%s must be base64: %v", key, err)
	}
	return b, nil
}

func encodeBody(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func flag(s *structpb.Struct, key string) bool {
	return s.GetFields()[key].GetBoolValue()
}

func strs(s *structpb.Struct, key string) []string {
	var out []string
	for _, v := range s.GetFields()[key].GetListValue().GetValues() {
		if sv := v.GetStringValue(); sv != "" {
			out = append(out, sv)
		}
	}
	return out
}

func reply(fields map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return s, nil
}
