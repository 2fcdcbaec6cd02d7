package api

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatcore.v1.ChatCore"

// FullMethod returns the gRPC method path of name.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// ChatCoreServer is the server API of the ChatCore service.
type ChatCoreServer interface {
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
	ListChats(context.Context, *ListChatsRequest) (*ListChatsResponse, error)
	ListMessages(context.Context, *ListMessagesRequest) (*ListMessagesResponse, error)
	Search(context.Context, *SearchRequest) (*SearchResponse, error)
	SendMessage(context.Context, *SendMessageRequest) (*MessageResponse, error)
	EditMessage(context.Context, *EditMessageRequest) (*MessageResponse, error)
	DeleteMessage(context.Context, *DeleteMessageRequest) (*MessageResponse, error)
	AddReaction(context.Context, *ReactionRequest) (*ReactionResponse, error)
	RemoveReaction(context.Context, *ReactionRequest) (*Empty, error)
	MarkRead(context.Context, *MarkReadRequest) (*MarkReadResponse, error)
	ReadBy(context.Context, *ReadByRequest) (*ReadByResponse, error)
	CreateChat(context.Context, *CreateChatRequest) (*ChatResponse, error)
	ForwardMessage(context.Context, *ForwardMessageRequest) (*MessageResponse, error)
	ListQueue(context.Context, *ListQueueRequest) (*ListQueueResponse, error)
	RetryEntry(context.Context, *EntryRequest) (*EntryResponse, error)
	DiscardEntry(context.Context, *EntryRequest) (*Empty, error)
	SetOnline(context.Context, *SetOnlineRequest) (*StatusResponse, error)

	WatchChats(*WatchChatsRequest, *ServerStream[ChatListUpdate]) error
	WatchMessages(*WatchMessagesRequest, *ServerStream[MessagesUpdate]) error
	StartAuth(*StartAuthRequest, *ServerStream[AuthEvent]) error
}

// ServerStream is the typed send side of a server-streaming call.
type ServerStream[T any] struct {
	grpc.ServerStream
}

// Send writes one message to the stream.
func (s *ServerStream[T]) Send(m *T) error {
	return s.ServerStream.SendMsg(m)
}

// ServiceDesc describes ChatCore for grpc.Server.RegisterService. Stream
// indexes are relied upon by the client: WatchChats, WatchMessages,
// StartAuth.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatCoreServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Status", ChatCoreServer.Status),
		unary("ListChats", ChatCoreServer.ListChats),
		unary("ListMessages", ChatCoreServer.ListMessages),
		unary("Search", ChatCoreServer.Search),
		unary("SendMessage", ChatCoreServer.SendMessage),
		unary("EditMessage", ChatCoreServer.EditMessage),
		unary("DeleteMessage", ChatCoreServer.DeleteMessage),
		unary("AddReaction", ChatCoreServer.AddReaction),
		unary("RemoveReaction", ChatCoreServer.RemoveReaction),
		unary("MarkRead", ChatCoreServer.MarkRead),
		unary("ReadBy", ChatCoreServer.ReadBy),
		unary("CreateChat", ChatCoreServer.CreateChat),
		unary("ForwardMessage", ChatCoreServer.ForwardMessage),
		unary("ListQueue", ChatCoreServer.ListQueue),
		unary("RetryEntry", ChatCoreServer.RetryEntry),
		unary("DiscardEntry", ChatCoreServer.DiscardEntry),
		unary("SetOnline", ChatCoreServer.SetOnline),
	},
	Streams: []grpc.StreamDesc{
		serverStream("WatchChats", ChatCoreServer.WatchChats),
		serverStream("WatchMessages", ChatCoreServer.WatchMessages),
		serverStream("StartAuth", ChatCoreServer.StartAuth),
	},
	Metadata: "chatcore/v1/chatcore",
}

// Stream indexes into ServiceDesc.Streams.
const (
	StreamWatchChats = iota
	StreamWatchMessages
	StreamStartAuth
)

// RegisterChatCoreServer registers srv on s.
func RegisterChatCoreServer(s grpc.ServiceRegistrar, srv ChatCoreServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func unary[Req, Resp any](name string, fn func(ChatCoreServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, req any) (any, error) {
				return fn(srv.(ChatCoreServer), ctx, req.(*Req))
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, call)
		},
	}
}

func serverStream[Req, Resp any](name string, fn func(ChatCoreServer, *Req, *ServerStream[Resp]) error) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    name,
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(Req)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return fn(srv.(ChatCoreServer), in, &ServerStream[Resp]{ServerStream: stream})
		},
	}
}
