package realtime

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/convo-crm/backend/internal/models"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60

	defaultSendBuffer = 256
	publishTimeout    = 5 * time.Second
)

// JoinPolicy decides whether a connection of tenantID may watch a conversation.
type JoinPolicy interface {
	ConversationBelongsToTenant(ctx context.Context, conversationID, tenantID uuid.UUID) (bool, error)
}

// Delivery is one envelope addressed to one room.
type Delivery struct {
	Room     string   `json:"room"`
	Envelope Envelope `json:"envelope"`
}

// Broker fans deliveries out across processes. Subscribe must not return before the
// subscription is live; handler runs until ctx is cancelled.
type Broker interface {
	Publish(ctx context.Context, deliveries []Delivery) error
	Subscribe(ctx context.Context, handler func([]Delivery)) error
}

// Options configures a Relay.
type Options struct {
	SendBuffer int
	Policy     JoinPolicy
	Broker     Broker
	Logger     *zap.Logger
}

// Relay is the pub/sub hub: room -> subscribers, plus the reverse index used on disconnect.
// Delivery is at-most-once and never blocks the emitter.
type Relay struct {
	mu          sync.RWMutex
	rooms       map[string]map[string]*Subscriber
	memberships map[string]map[string]struct{}
	subs        map[string]*Subscriber

	policy  JoinPolicy
	broker  Broker
	bridged atomic.Bool
	buffer  int
	logger  *zap.Logger

	lifecycle sync.Mutex
	cancel    context.CancelFunc
}

// NewRelay creates a relay. Call Start before use when a Broker is configured.
func NewRelay(opts Options) *Relay {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	buffer := opts.SendBuffer
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &Relay{
		rooms:       make(map[string]map[string]*Subscriber),
		memberships: make(map[string]map[string]struct{}),
		subs:        make(map[string]*Subscriber),
		policy:      opts.Policy,
		broker:      opts.Broker,
		buffer:      buffer,
		logger:      logger,
	}
}

// Start subscribes to the broker, if any. On error the relay keeps working in local mode.
func (r *Relay) Start(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	if r.cancel != nil || r.broker == nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	if err := r.broker.Subscribe(ctx, r.deliverLocal); err != nil {
		cancel()
		return err
	}
	r.cancel = cancel
	r.bridged.Store(true)
	return nil
}

// Stop ends the broker subscription and disconnects every subscriber.
func (r *Relay) Stop() {
	r.lifecycle.Lock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.bridged.Store(false)
	r.lifecycle.Unlock()

	r.mu.Lock()
	subs := r.subs
	r.rooms = make(map[string]map[string]*Subscriber)
	r.memberships = make(map[string]map[string]struct{})
	r.subs = make(map[string]*Subscriber)
	r.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}

// Connect registers a subscriber for a connection opened under tenantID.
func (r *Relay) Connect(tenantID uuid.UUID) *Subscriber {
	s := newSubscriber(tenantID, r.buffer)
	r.mu.Lock()
	r.subs[s.ID] = s
	r.mu.Unlock()
	r.logger.Debug("subscriber connected", zap.String("subscriber_id", s.ID), zap.String("tenant_id", tenantID.String()))
	return s
}

// JoinTenant adds s to the tenant room. Joining twice is a no-op.
func (r *Relay) JoinTenant(s *Subscriber, tenantID uuid.UUID) error {
	if tenantID == uuid.Nil {
		return ErrInvalidID
	}
	if s.TenantID != uuid.Nil && s.TenantID != tenantID {
		return ErrForeignTenant
	}
	r.join(s, TenantRoom(tenantID))
	return nil
}

// JoinConversation adds s to a conversation room, subject to the join policy.
func (r *Relay) JoinConversation(ctx context.Context, s *Subscriber, conversationID uuid.UUID) error {
	if conversationID == uuid.Nil {
		return ErrInvalidID
	}
	if r.policy != nil && s.TenantID != uuid.Nil {
		ok, err := r.policy.ConversationBelongsToTenant(ctx, conversationID, s.TenantID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrJoinDenied
		}
	}
	r.join(s, ConversationRoom(conversationID))
	return nil
}

func (r *Relay) join(s *Subscriber, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[s.ID]; !ok {
		// removed (or never connected); membership would outlive the connection
		return
	}
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[string]*Subscriber)
	}
	r.rooms[room][s.ID] = s
	if r.memberships[s.ID] == nil {
		r.memberships[s.ID] = make(map[string]struct{})
	}
	r.memberships[s.ID][room] = struct{}{}
}

// Remove drops s from every room it joined and closes it. Safe to call more than once.
func (r *Relay) Remove(s *Subscriber) {
	r.mu.Lock()
	for room := range r.memberships[s.ID] {
		if m, ok := r.rooms[room]; ok {
			delete(m, s.ID)
			if len(m) == 0 {
				delete(r.rooms, room)
			}
		}
	}
	delete(r.memberships, s.ID)
	delete(r.subs, s.ID)
	r.mu.Unlock()
	s.close()
	r.logger.Debug("subscriber removed", zap.String("subscriber_id", s.ID))
}

// HandleInbound applies a client frame. Errors are for logging only.
func (r *Relay) HandleInbound(ctx context.Context, s *Subscriber, env Envelope) error {
	switch env.Event {
	case EventJoinTenant:
		id, err := roomID(env.Data)
		if err != nil {
			return err
		}
		return r.JoinTenant(s, id)
	case EventJoinConversation:
		id, err := roomID(env.Data)
		if err != nil {
			return err
		}
		return r.JoinConversation(ctx, s, id)
	default:
		return ErrUnknownEvent
	}
}

// EmitMessageUpdate notifies the tenant room (message-received) and then the conversation
// room (new-message).
func (r *Relay) EmitMessageUpdate(tenantID, conversationID uuid.UUID, msg *models.Message) {
	payload := MessageReceived{ConversationID: conversationID, Message: msg}
	if tenantID == uuid.Nil {
		r.logger.Warn("dropping message update without tenant", zap.String("conversation_id", conversationID.String()))
		return
	}
	if msg != nil && (msg.TenantID != tenantID || msg.ConversationID != conversationID) {
		r.logger.Warn("dropping message update with mismatched ids",
			zap.String("tenant_id", tenantID.String()), zap.String("conversation_id", conversationID.String()))
		return
	}
	if err := validate.Struct(payload); err != nil {
		r.logger.Warn("dropping invalid message update", zap.String("tenant_id", tenantID.String()), zap.Error(err))
		return
	}
	received, err := newEnvelope(EventMessageReceived, payload)
	if err != nil {
		r.logger.Error("encode message update", zap.Error(err))
		return
	}
	created, err := newEnvelope(EventNewMessage, msg)
	if err != nil {
		r.logger.Error("encode message update", zap.Error(err))
		return
	}
	r.dispatch([]Delivery{
		{Room: TenantRoom(tenantID), Envelope: received},
		{Room: ConversationRoom(conversationID), Envelope: created},
	})
}

// EmitConversationUpdate notifies the tenant room only.
func (r *Relay) EmitConversationUpdate(tenantID uuid.UUID, conv *models.Conversation) {
	if tenantID == uuid.Nil || conv == nil {
		r.logger.Warn("dropping conversation update without tenant or conversation")
		return
	}
	if conv.TenantID != tenantID {
		r.logger.Warn("dropping conversation update for another tenant", zap.String("tenant_id", tenantID.String()))
		return
	}
	if err := validate.Struct(conv); err != nil {
		r.logger.Warn("dropping invalid conversation update", zap.String("tenant_id", tenantID.String()), zap.Error(err))
		return
	}
	env, err := newEnvelope(EventConversationUpdated, conv)
	if err != nil {
		r.logger.Error("encode conversation update", zap.Error(err))
		return
	}
	r.dispatch([]Delivery{{Room: TenantRoom(tenantID), Envelope: env}})
}

// dispatch publishes through the broker when bridged; every process, this one included,
// then delivers from its subscription. Without a live bridge it delivers locally.
func (r *Relay) dispatch(deliveries []Delivery) {
	if r.bridged.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := r.broker.Publish(ctx, deliveries)
		cancel()
		if err == nil {
			return
		}
		r.logger.Warn("relay publish failed, delivering locally", zap.Error(err))
	}
	r.deliverLocal(deliveries)
}

func (r *Relay) deliverLocal(deliveries []Delivery) {
	for _, d := range deliveries {
		r.mu.RLock()
		members := lo.Values(r.rooms[d.Room])
		r.mu.RUnlock()
		for _, s := range members {
			if !s.offer(d.Envelope) {
				r.logger.Debug("dropped delivery", zap.String("subscriber_id", s.ID), zap.String("room", d.Room), zap.String("event", d.Envelope.Event))
			}
		}
	}
}

// RoomSize returns the number of subscribers in room.
func (r *Relay) RoomSize(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// Rooms returns the rooms s has joined, sorted.
func (r *Relay) Rooms(s *Subscriber) []string {
	r.mu.RLock()
	rooms := lo.Keys(r.memberships[s.ID])
	r.mu.RUnlock()
	sort.Strings(rooms)
	return rooms
}

// Connections returns the number of connected subscribers.
func (r *Relay) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// encodeDeliveries and decodeDeliveries are shared by brokers that carry deliveries as JSON.
func encodeDeliveries(deliveries []Delivery) ([]byte, error) {
	return json.Marshal(deliveries)
}

func decodeDeliveries(raw []byte) ([]Delivery, error) {
	var out []Delivery
	err := json.Unmarshal(raw, &out)
	return out, err
}
