package api

import (
	"context"
	"encoding/base64"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls a daemon's services.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon listening on socketPath.
func Dial(socketPath string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient("unix://"+socketPath, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client { return &Client{conn: conn} }

func (c *Client) Close() error { return c.conn.Close() }

// Call invokes a unary method, e.g. Call(ctx, TimelineServiceName, "Compose", fields).
func (c *Client) Call(ctx context.Context, service, method string, fields map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+service+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Compose(ctx context.Context, conversationID string, body []byte) (string, error) {
	out, err := c.Call(ctx, TimelineServiceName, "Compose", map[string]any{"conversationId": conversationID, "body": encodeBody(body)})
	if err != nil {
		return "", err
	}
	return str(out, "messageId"), nil
}

func (c *Client) Read(ctx context.Context, conversationID string, limit int, before string) (*structpb.Struct, error) {
	return c.Call(ctx, TimelineServiceName, "Read", map[string]any{"conversationId": conversationID, "limit": limit, "before": before})
}

func (c *Client) Open(ctx context.Context, conversationID string, participants []string) error {
	list := make([]any, 0, len(participants))
	for _, p := range participants {
		list = append(list, p)
	}
	_, err := c.Call(ctx, SyncServiceName, "Open", map[string]any{"conversationId": conversationID, "participants": list})
	return err
}

func (c *Client) Status(ctx context.Context) (*structpb.Struct, error) {
	return c.Call(ctx, SyncServiceName, "Status", nil)
}

// Watch streams events to fn until ctx ends, the server closes the stream or fn returns an error.
func (c *Client) Watch(ctx context.Context, prefix, conversationID string, fn func(*structpb.Struct) error) error {
	desc := &SyncServiceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, "/"+SyncServiceName+"/Watch")
	if err != nil {
		return err
	}
	in, err := structpb.NewStruct(map[string]any{"prefix": prefix, "conversationId": conversationID})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		evt := new(structpb.Struct)
		if err := stream.RecvMsg(evt); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}

// Str reads a string field of a reply.
func Str(s *structpb.Struct, key string) string { return str(s, key) }

// Num reads a numeric field of a reply.
func Num(s *structpb.Struct, key string) int64 { return num(s, key) }

// Body decodes a base64 body field of a reply.
func Body(s *structpb.Struct, key string) []byte {
	b, _ := base64.StdEncoding.DecodeString(str(s, key))
	return b
}

// Seq reads a sequence number field of a reply.
func Seq(s *structpb.Struct, key string) int64 {
	n, _ := seqField(s, key)
	return n
}

// List reads a list-of-objects field of a reply.
func List(s *structpb.Struct, key string) []*structpb.Struct {
	var out []*structpb.Struct
	for _, v := range s.GetFields()[key].GetListValue().GetValues() {
		if sv := v.GetStructValue(); sv != nil {
			out = append(out, sv)
		}
	}
	return out
}
