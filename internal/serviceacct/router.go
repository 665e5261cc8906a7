package serviceacct

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bipupu/server/internal/model"
	"github.com/bipupu/server/internal/store"
)

// Replier is the dispatcher primitive handlers answer through.
type Replier interface {
	Reply(ctx context.Context, serviceName, receiverHandle, content string, pattern map[string]any) (*model.Message, error)
}

// Handler processes one message addressed to a service account. The
// inbound message is already persisted when the handler runs.
type Handler func(ctx context.Context, sender *model.User, msg *model.Message)

// Router resolves messages addressed to dotted handles. Three outcomes:
// a registered handler runs, a known handler-less account answers with a
// canned notice, an unknown name earns a failure notice from the system
// sender. The human sender always hears something back.
type Router struct {
	accounts *store.ServiceAccountStore
	replier  Replier
	logger   *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRouter(accounts *store.ServiceAccountStore, replier Replier, logger *slog.Logger) *Router {
	return &Router{
		accounts: accounts,
		replier:  replier,
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a service name. Registering the same name
// again replaces the previous handler.
func (r *Router) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Route dispatches msg to the handler for msg.Receiver, or falls back
// to a canned or failure reply. Handler panics are contained so one bad
// handler cannot take the send path down.
func (r *Router) Route(ctx context.Context, sender *model.User, msg *model.Message) {
	name := msg.Receiver

	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()

	if ok {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("service handler panicked", "service", name, "panic", rec)
			}
		}()
		h(ctx, sender, msg)
		return
	}

	exists, err := r.accounts.Exists(name)
	if err != nil {
		r.logger.Error("service lookup failed", "service", name, "error", err)
		return
	}

	if exists {
		if _, err := r.replier.Reply(ctx, name, sender.Handle,
			"This account does not process messages automatically.", nil); err != nil {
			r.logger.Error("canned reply failed", "service", name, "error", err)
		}
		return
	}

	notice := fmt.Sprintf("Your message to %s could not be delivered: no such service.", name)
	if _, err := r.replier.Reply(ctx, model.SystemSender, sender.Handle, notice, nil); err != nil {
		r.logger.Error("failure notice failed", "service", name, "error", err)
	}
}

// Subscription keywords recognized by handler-backed services. Matching
// is case-insensitive after trimming surrounding whitespace.
var (
	subscribeWords   = map[string]bool{"subscribe": true, "sub": true, "dy": true}
	unsubscribeWords = map[string]bool{"td": true, "unsubscribe": true, "stop": true}
)

// HandleSubscriptionKeywords interprets content as a subscribe or
// unsubscribe command for serviceName. It returns true when the message
// was consumed as a command; the caller should fall through to its own
// behavior otherwise. Repeating a command reports the current state
// instead of failing.
func (r *Router) HandleSubscriptionKeywords(ctx context.Context, serviceName string, sender *model.User, content string) bool {
	word := strings.ToLower(strings.TrimSpace(content))

	switch {
	case subscribeWords[word]:
		changed, err := r.accounts.AddSubscriber(serviceName, sender.Handle)
		if err != nil {
			r.logger.Error("subscribe failed", "service", serviceName, "handle", sender.Handle, "error", err)
			return true
		}
		reply := "You are already subscribed."
		if changed {
			reply = "Subscribed. Reply TD to unsubscribe."
		}
		r.reply(ctx, serviceName, sender.Handle, reply)
		return true

	case unsubscribeWords[word]:
		changed, err := r.accounts.RemoveSubscriber(serviceName, sender.Handle)
		if err != nil {
			r.logger.Error("unsubscribe failed", "service", serviceName, "handle", sender.Handle, "error", err)
			return true
		}
		reply := "You are not subscribed."
		if changed {
			reply = "Unsubscribed. Reply SUB to subscribe again."
		}
		r.reply(ctx, serviceName, sender.Handle, reply)
		return true
	}

	return false
}

func (r *Router) reply(ctx context.Context, serviceName, receiver, content string) {
	if _, err := r.replier.Reply(ctx, serviceName, receiver, content, nil); err != nil {
		r.logger.Error("service reply failed", "service", serviceName, "receiver", receiver, "error", err)
	}
}

// FortuneServiceName is the built-in daily fortune service.
const FortuneServiceName = "cosmic.fortune"

// RegisterBuiltins installs the handlers that ship with the server.
func (r *Router) RegisterBuiltins() {
	r.Register(FortuneServiceName, r.fortuneHandler)
}

func (r *Router) fortuneHandler(ctx context.Context, sender *model.User, msg *model.Message) {
	if r.HandleSubscriptionKeywords(ctx, FortuneServiceName, sender, msg.Content) {
		return
	}
	r.reply(ctx, FortuneServiceName, sender.Handle,
		"Cosmic Fortune sends your reading every morning. Reply SUB to subscribe, TD to unsubscribe.")
}
