package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/push"
	"github.com/matheus3301/chatsync/internal/reconcile"
)

// SyncService implements SyncServer.
type SyncService struct {
	profile   string
	startedAt time.Time
	registry  *reconcile.Registry
	push      *push.Handler
	tokens    *auth.Tokens
	bus       *bus.Bus
	logger    *zap.Logger

	mu      sync.Mutex
	handles map[string]*reconcile.Handle
}

func NewSyncService(profile string, r *reconcile.Registry, p *push.Handler, t *auth.Tokens, b *bus.Bus, logger *zap.Logger) *SyncService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncService{
		profile:   profile,
		startedAt: time.Now(),
		registry:  r,
		push:      p,
		tokens:    t,
		bus:       b,
		logger:    logger.Named("api"),
		handles:   make(map[string]*reconcile.Handle),
	}
}

// Open: {conversationId, participants} -> {}. Opening an open conversation is a no-op.
func (s *SyncService) Open(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	conv, err := required(req, "conversationId")
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handles[conv]; ok {
		return reply(nil)
	}
	h, err := s.registry.Open(ctx, conv, strs(req, "participants"))
	if err != nil {
		return nil, toStatus("open", err)
	}
	s.handles[conv] = h
	return reply(nil)
}

// Close: {conversationId} -> {}
func (s *SyncService) Close(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	conv, err := required(req, "conversationId")
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	h, ok := s.handles[conv]
	delete(s.handles, conv)
	s.mu.Unlock()
	if !ok {
		return nil, grpcstatus.Errorf(codes.FailedPrecondition, "conversation %s is not open", conv)
	}
	if err := h.Close(ctx); err != nil {
		return nil, toStatus("close", err)
	}
	return reply(nil)
}

// Pull: {conversationId} -> {}
func (s *SyncService) Pull(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	conv, err := required(req, "conversationId")
	if err != nil {
		return nil, err
	}
	if err := s.registry.Reconcile(ctx, conv); err != nil {
		return nil, toStatus("pull", err)
	}
	return reply(nil)
}

// Status: {} -> {profile, uptimeMs, engines, push}
func (s *SyncService) Status(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	var engines []any
	for _, st := range s.registry.Status() {
		engines = append(engines, map[string]any{
			"conversationId": st.ConversationID,
			"state":          string(st.State),
			"link":           string(st.Link),
			"open":           st.Open,
		})
	}
	fields := map[string]any{
		"profile":   s.profile,
		"uptimeMs":  time.Since(s.startedAt).Milliseconds(),
		"engines":   engines,
		"available": s.registry.Available(),
	}
	if s.push != nil {
		ps := s.push.Stats()
		fields["push"] = map[string]any{"received": ps.Received, "runs": ps.Runs, "coalesced": ps.Coalesced}
	}
	return reply(fields)
}

// PushReceived: {data: {conversationId|senderId, ...}} -> {conversationId}
func (s *SyncService) PushReceived(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	data := make(map[string]string)
	for k, v := range req.GetFields()["data"].GetStructValue().GetFields() {
		data[k] = v.GetStringValue()
	}
	p, err := push.ParsePayload(data)
	if err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	s.push.OnPushReceived(p.ConversationID, p.MessageID)
	return reply(map[string]any{"conversationId": p.ConversationID})
}

// SetCredentials: {accessToken} -> {}
func (s *SyncService) SetCredentials(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	token, err := required(req, "accessToken")
	if err != nil {
		return nil, err
	}
	if err := s.tokens.Set(token); err != nil {
		return nil, toStatus("set credentials", err)
	}
	return reply(nil)
}

// RegisterDevice: {token} -> {}
func (s *SyncService) RegisterDevice(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	token, err := required(req, "token")
	if err != nil {
		return nil, err
	}
	if err := s.push.OnNewToken(ctx, token); err != nil {
		return nil, toStatus("register device", err)
	}
	return reply(nil)
}

// SetAvailability: {available} -> {}
func (s *SyncService) SetAvailability(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	v, ok := req.GetFields()["available"]
	if _, isBool := v.GetKind().(*structpb.Value_BoolValue); !ok || !isBool {
		return nil, grpcstatus.Error(codes.InvalidArgument, "available is required")
	}
	if err := s.registry.SetAvailability(ctx, v.GetBoolValue()); err != nil {
		return nil, toStatus("set availability", err)
	}
	return reply(nil)
}

// Watch streams bus events whose kind starts with the requested prefix.
func (s *SyncService) Watch(req *structpb.Struct, stream grpc.ServerStream) error {
	prefix := str(req, "prefix")
	conv := str(req, "conversationId")
	ch, unsub := s.bus.Subscribe(prefix, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			if conv != "" && evt.ConversationID != conv {
				continue
			}
			env, err := s.envelope(evt)
			if err != nil {
				s.logger.Warn("dropping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(env); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *SyncService) envelope(evt bus.Event) (*structpb.Struct, error) {
	fields := map[string]any{
		"eventId":          uuid.NewString(),
		"profile":          s.profile,
		"kind":             evt.Kind,
		"conversationId":   evt.ConversationID,
		"occurredAtUnixMs": evt.Timestamp.UnixMilli(),
	}
	if evt.Payload != nil {
		raw, err := json.Marshal(evt.Payload)
		if err != nil {
			return nil, err
		}
		var payload any
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, err
		}
		fields["payload"] = payload
	}
	return structpb.NewStruct(fields)
}

// CloseAll releases every conversation opened through the API.
func (s *SyncService) CloseAll(ctx context.Context) {
	s.mu.Lock()
	handles := s.handles
	s.handles = make(map[string]*reconcile.Handle)
	s.mu.Unlock()
	for conv, h := range handles {
		if err := h.Close(ctx); err != nil {
			s.logger.Warn("close conversation", zap.String("conversation_id", conv), zap.Error(err))
		}
	}
}
