package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bipupu/server/internal/model"
	"github.com/bipupu/server/internal/push"
	"github.com/bipupu/server/internal/store"
)

var (
	// ErrReceiverNotFound is surfaced when the receiver resolves to
	// neither a human account nor a registered service account.
	ErrReceiverNotFound = errors.New("receiver not found")
	// ErrValidation is surfaced for malformed send requests.
	ErrValidation = errors.New("invalid send request")
	// ErrRateLimited is surfaced when the sender exceeds the shared
	// send-rate window.
	ErrRateLimited = errors.New("send rate exceeded")
)

// sendLimit caps messages per sender per minute, enforced across all
// backend processes through the broker.
const (
	sendLimit  = 30
	sendWindow = time.Minute
)

// SendRequest is an inbound send from the API layer.
type SendRequest struct {
	Receiver string
	Content  string
	Pattern  map[string]any
}

// Broker is the subset of the cache broker the dispatcher needs.
type Broker interface {
	PublishMessage(ctx context.Context, sender, receiver string, payload []byte) error
	IncrUnread(ctx context.Context, handle string) error
	SetUnread(ctx context.Context, handle string, count int64) error
	Allow(ctx context.Context, name string, limit int64, window time.Duration) (bool, error)
}

// LocalPusher fans a payload out to an identity's connections on this
// process. Implemented by the connection registry.
type LocalPusher interface {
	Push(handle string, payload []byte) bool
}

// ServiceRouter handles messages addressed to service accounts.
// Implemented by the serviceacct package; installed after construction
// because handlers need the dispatcher's reply primitive.
type ServiceRouter interface {
	Route(ctx context.Context, sender *model.User, msg *model.Message)
}

// WebPusher sends a wake-up to registered web-push endpoints.
type WebPusher interface {
	Send(endpoint *model.PushEndpoint, payload push.Payload) error
}

// Dispatcher owns the authoritative send path: validate, persist,
// publish cross-process, push to local connections.
type Dispatcher struct {
	users     *store.UserStore
	messages  *store.MessageStore
	services  *store.ServiceAccountStore
	endpoints *store.PushStore
	broker    Broker
	local     LocalPusher
	router    ServiceRouter
	webpush   WebPusher
	logger    *slog.Logger
}

func New(users *store.UserStore, messages *store.MessageStore, services *store.ServiceAccountStore, endpoints *store.PushStore, broker Broker, local LocalPusher, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		users:     users,
		messages:  messages,
		services:  services,
		endpoints: endpoints,
		broker:    broker,
		local:     local,
		logger:    logger,
	}
}

// SetServiceRouter installs the service-account router. Must be called
// before the first send; the router is constructed second because its
// handlers reply through this dispatcher.
func (d *Dispatcher) SetServiceRouter(router ServiceRouter) {
	d.router = router
}

// SetWebPush enables the optional web-push wake-up leg.
func (d *Dispatcher) SetWebPush(svc WebPusher) {
	d.webpush = svc
}

// Send runs the full pipeline for one inbound message.
//
// When the receiver has blocked the sender, nothing is persisted and a
// success-shaped message is returned so the block cannot be discovered
// by probing. The acknowledgment the API layer builds from it never
// echoes a row id, so the absent id is not observable either.
func (d *Dispatcher) Send(ctx context.Context, sender *model.User, req SendRequest) (*model.Message, error) {
	if req.Receiver == "" || req.Content == "" {
		return nil, fmt.Errorf("%w: receiver and content are required", ErrValidation)
	}

	allowed, err := d.broker.Allow(ctx, "send:"+sender.Handle, sendLimit, sendWindow)
	if err != nil {
		// Rate limiting is protective, not load-bearing; an unreachable
		// broker must not take down user-visible sends.
		d.logger.Warn("send rate check unavailable", "sender", sender.Handle, "error", err)
	} else if !allowed {
		return nil, ErrRateLimited
	}

	msgType := model.MsgTypeNormal
	if model.IsServiceHandle(sender.Handle) {
		msgType = model.MsgTypeService
	}

	msg := &model.Message{
		Sender:   sender.Handle,
		Receiver: req.Receiver,
		Content:  req.Content,
		MsgType:  msgType,
		Pattern:  req.Pattern,
	}

	if model.IsServiceHandle(req.Receiver) {
		created, err := d.messages.Create(msg)
		if err != nil {
			return nil, fmt.Errorf("persist service message: %w", err)
		}
		d.logger.Info("message to service stored", "sender", sender.Handle, "receiver", req.Receiver)
		d.router.Route(ctx, sender, created)
		return created, nil
	}

	receiver, err := d.users.GetByHandle(req.Receiver)
	if err != nil {
		return nil, fmt.Errorf("resolve receiver: %w", err)
	}
	if receiver == nil || !receiver.Active {
		return nil, ErrReceiverNotFound
	}

	blocked, err := d.users.IsBlocked(receiver.Handle, sender.Handle)
	if err != nil {
		return nil, fmt.Errorf("check block list: %w", err)
	}
	if blocked {
		d.logger.Info("message silently discarded", "sender", sender.Handle, "receiver", receiver.Handle)
		msg.CreatedAt = time.Now().UTC()
		return msg, nil
	}

	created, err := d.messages.Create(msg)
	if err != nil {
		return nil, fmt.Errorf("persist message: %w", err)
	}

	d.Deliver(ctx, created)
	return created, nil
}

// Reply persists and delivers a message originated by a service account.
// Service handlers and the subscription scheduler use it to answer users.
func (d *Dispatcher) Reply(ctx context.Context, serviceName, receiverHandle, content string, pattern map[string]any) (*model.Message, error) {
	created, err := d.messages.Create(&model.Message{
		Sender:   serviceName,
		Receiver: receiverHandle,
		Content:  content,
		MsgType:  model.MsgTypeService,
		Pattern:  pattern,
	})
	if err != nil {
		return nil, fmt.Errorf("persist service reply: %w", err)
	}
	d.logger.Info("service push sent", "service", serviceName, "receiver", receiverHandle)
	d.Deliver(ctx, created)
	return created, nil
}

// BroadcastFromService sends content to every subscriber of a service
// account and returns how many were reached.
func (d *Dispatcher) BroadcastFromService(ctx context.Context, serviceName, content string, pattern map[string]any) (int, error) {
	exists, err := d.services.Exists(serviceName)
	if err != nil {
		return 0, fmt.Errorf("resolve service: %w", err)
	}
	if !exists {
		return 0, fmt.Errorf("%w: service %q", ErrReceiverNotFound, serviceName)
	}

	subscribers, err := d.services.Subscribers(serviceName)
	if err != nil {
		return 0, fmt.Errorf("list subscribers: %w", err)
	}

	count := 0
	for _, handle := range subscribers {
		if _, err := d.Reply(ctx, serviceName, handle, content, pattern); err != nil {
			d.logger.Error("broadcast delivery failed", "service", serviceName, "receiver", handle, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

// Deliver runs the publish+push step for an already persisted message:
// cross-process publish, unread bump, local fan-out, optional web-push
// wake-up. Every leg is best effort; the row is already durable.
func (d *Dispatcher) Deliver(ctx context.Context, msg *model.Message) {
	payload, err := EncodePushPayload(msg)
	if err != nil {
		d.logger.Error("encode push payload", "message", msg.ID, "error", err)
		return
	}

	if err := d.broker.PublishMessage(ctx, msg.Sender, msg.Receiver, payload); err != nil {
		d.logger.Warn("cross-process publish failed", "message", msg.ID, "error", err)
	}
	if err := d.broker.IncrUnread(ctx, msg.Receiver); err != nil {
		d.logger.Warn("unread increment failed", "receiver", msg.Receiver, "error", err)
	}

	if d.local.Push(msg.Receiver, payload) {
		if err := d.messages.MarkDelivered(msg.ID); err != nil {
			d.logger.Warn("mark delivered failed", "message", msg.ID, "error", err)
		}
	}

	if d.webpush != nil && msg.MsgType != model.MsgTypeNormal {
		d.sendWebPush(msg)
	}
}

// MarkRead flips one message's read state and bumps the cached counter
// down to the recount.
func (d *Dispatcher) MarkRead(ctx context.Context, id int64, handle string) error {
	if err := d.messages.MarkRead(id, handle); err != nil {
		return err
	}
	d.refreshUnread(ctx, handle)
	return nil
}

// MarkAllRead bulk-reads everything for handle. The unread counter is
// recomputed from storage rather than decremented, so any drift the
// incremental bumps accumulated is discarded.
func (d *Dispatcher) MarkAllRead(ctx context.Context, handle string) (int64, error) {
	n, err := d.messages.MarkAllRead(handle)
	if err != nil {
		return 0, err
	}
	d.refreshUnread(ctx, handle)
	return n, nil
}

func (d *Dispatcher) refreshUnread(ctx context.Context, handle string) {
	count, err := d.messages.CountUnread(handle)
	if err != nil {
		d.logger.Warn("unread recount failed", "handle", handle, "error", err)
		return
	}
	if err := d.broker.SetUnread(ctx, handle, count); err != nil {
		d.logger.Warn("unread counter refresh failed", "handle", handle, "error", err)
	}
}

func (d *Dispatcher) sendWebPush(msg *model.Message) {
	endpoints, err := d.endpoints.ListByUser(msg.Receiver)
	if err != nil {
		d.logger.Warn("list push endpoints failed", "receiver", msg.Receiver, "error", err)
		return
	}

	payload := push.Payload{
		Title: "New message",
		Body:  fmt.Sprintf("From %s", msg.Sender),
		Tag:   fmt.Sprintf("message-%d", msg.ID),
	}

	for i := range endpoints {
		endpoint := &endpoints[i]
		if err := d.webpush.Send(endpoint, payload); err != nil {
			if errors.Is(err, push.ErrExpired) {
				d.endpoints.DeleteByEndpoint(endpoint.Endpoint)
			} else {
				d.logger.Warn("web push failed", "receiver", msg.Receiver, "error", err)
			}
		}
	}
}

// pushEnvelope is the frame delivered to live connections.
type pushEnvelope struct {
	Type    string          `json:"type"`
	Payload pushMessageBody `json:"payload"`
}

type pushMessageBody struct {
	ID          int64          `json:"id"`
	Sender      string         `json:"sender"`
	Content     string         `json:"content"`
	MessageType string         `json:"message_type"`
	Pattern     map[string]any `json:"pattern,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// EncodePushPayload serializes the new-message frame once; the same
// bytes go to the broker channel and to every local connection.
func EncodePushPayload(msg *model.Message) ([]byte, error) {
	return json.Marshal(pushEnvelope{
		Type: "new_message",
		Payload: pushMessageBody{
			ID:          msg.ID,
			Sender:      msg.Sender,
			Content:     msg.Content,
			MessageType: msg.MsgType,
			Pattern:     msg.Pattern,
			CreatedAt:   msg.CreatedAt,
		},
	})
}
