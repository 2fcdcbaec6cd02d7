// Package client is a typed gRPC client for the chatcore daemon.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/matheus3301/chatcore/internal/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's Unix domain socket.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(api.CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func call[Resp any](ctx context.Context, c *Client, method string, req any) (*Resp, error) {
	out := new(Resp)
	if err := c.conn.Invoke(ctx, api.FullMethod(method), req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	return call[api.StatusResponse](ctx, c, "Status", &api.StatusRequest{})
}

func (c *Client) ListChats(ctx context.Context) (*api.ListChatsResponse, error) {
	return call[api.ListChatsResponse](ctx, c, "ListChats", &api.ListChatsRequest{})
}

func (c *Client) ListMessages(ctx context.Context, req *api.ListMessagesRequest) (*api.ListMessagesResponse, error) {
	return call[api.ListMessagesResponse](ctx, c, "ListMessages", req)
}

func (c *Client) Search(ctx context.Context, req *api.SearchRequest) (*api.SearchResponse, error) {
	return call[api.SearchResponse](ctx, c, "Search", req)
}

func (c *Client) SendMessage(ctx context.Context, req *api.SendMessageRequest) (*api.MessageResponse, error) {
	return call[api.MessageResponse](ctx, c, "SendMessage", req)
}

func (c *Client) EditMessage(ctx context.Context, req *api.EditMessageRequest) (*api.MessageResponse, error) {
	return call[api.MessageResponse](ctx, c, "EditMessage", req)
}

func (c *Client) DeleteMessage(ctx context.Context, req *api.DeleteMessageRequest) (*api.MessageResponse, error) {
	return call[api.MessageResponse](ctx, c, "DeleteMessage", req)
}

func (c *Client) AddReaction(ctx context.Context, req *api.ReactionRequest) (*api.ReactionResponse, error) {
	return call[api.ReactionResponse](ctx, c, "AddReaction", req)
}

func (c *Client) RemoveReaction(ctx context.Context, req *api.ReactionRequest) error {
	_, err := call[api.Empty](ctx, c, "RemoveReaction", req)
	return err
}

func (c *Client) MarkRead(ctx context.Context, req *api.MarkReadRequest) (*api.MarkReadResponse, error) {
	return call[api.MarkReadResponse](ctx, c, "MarkRead", req)
}

func (c *Client) ReadBy(ctx context.Context, messageID string) (*api.ReadByResponse, error) {
	return call[api.ReadByResponse](ctx, c, "ReadBy", &api.ReadByRequest{MessageID: messageID})
}

func (c *Client) CreateChat(ctx context.Context, req *api.CreateChatRequest) (*api.ChatResponse, error) {
	return call[api.ChatResponse](ctx, c, "CreateChat", req)
}

func (c *Client) ForwardMessage(ctx context.Context, req *api.ForwardMessageRequest) (*api.MessageResponse, error) {
	return call[api.MessageResponse](ctx, c, "ForwardMessage", req)
}

func (c *Client) ListQueue(ctx context.Context) (*api.ListQueueResponse, error) {
	return call[api.ListQueueResponse](ctx, c, "ListQueue", &api.ListQueueRequest{})
}

func (c *Client) RetryEntry(ctx context.Context, entryID string) (*api.EntryResponse, error) {
	return call[api.EntryResponse](ctx, c, "RetryEntry", &api.EntryRequest{EntryID: entryID})
}

func (c *Client) DiscardEntry(ctx context.Context, entryID string) error {
	_, err := call[api.Empty](ctx, c, "DiscardEntry", &api.EntryRequest{EntryID: entryID})
	return err
}

func (c *Client) SetOnline(ctx context.Context, online bool) (*api.StatusResponse, error) {
	return call[api.StatusResponse](ctx, c, "SetOnline", &api.SetOnlineRequest{Online: online})
}

// WatchChats calls fn with every chat list snapshot until ctx ends, the
// server closes the stream, or fn returns an error.
func (c *Client) WatchChats(ctx context.Context, fn func(*api.ChatListUpdate) error) error {
	return watch(ctx, c, api.StreamWatchChats, &api.WatchChatsRequest{}, fn)
}

// WatchMessages calls fn with every snapshot of a chat's newest page.
func (c *Client) WatchMessages(ctx context.Context, req *api.WatchMessagesRequest, fn func(*api.MessagesUpdate) error) error {
	return watch(ctx, c, api.StreamWatchMessages, req, fn)
}

// StartAuth relays pairing events to fn until the flow ends.
func (c *Client) StartAuth(ctx context.Context, fn func(*api.AuthEvent) error) error {
	return watch(ctx, c, api.StreamStartAuth, &api.StartAuthRequest{}, fn)
}

func watch[Resp any](ctx context.Context, c *Client, index int, req any, fn func(*Resp) error) error {
	desc := &api.ServiceDesc.Streams[index]
	stream, err := c.conn.NewStream(ctx, desc, api.FullMethod(desc.StreamName))
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		out := new(Resp)
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(out); err != nil {
			return err
		}
	}
}
