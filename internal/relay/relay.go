package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bipupu/server/internal/broker"
)

// Pusher fans a payload out to an identity's local connections.
type Pusher interface {
	Push(handle string, payload []byte) bool
}

// Relay bridges the broker's pub/sub channels to this process's
// connection registry. It implements the registry's presence hooks:
// an identity's channel is subscribed while at least one local
// connection exists and dropped afterwards, so each process only
// receives traffic it can actually deliver.
type Relay struct {
	stream broker.Stream
	local  Pusher
	logger *slog.Logger

	mu       sync.Mutex
	channels map[string]string // channel name -> handle
}

func New(stream broker.Stream, local Pusher, logger *slog.Logger) *Relay {
	return &Relay{
		stream:   stream,
		local:    local,
		logger:   logger,
		channels: make(map[string]string),
	}
}

// IdentityOnline subscribes the identity's channel. Called by the
// registry when the first local connection for handle appears.
func (r *Relay) IdentityOnline(handle string) {
	channel := broker.UserChannel(handle)

	r.mu.Lock()
	r.channels[channel] = handle
	r.mu.Unlock()

	if err := r.stream.Add(context.Background(), channel); err != nil {
		// Local delivery already happened on the publishing process;
		// only cross-process frames are lost until the next subscribe.
		r.logger.Error("channel subscribe failed", "handle", handle, "error", err)
	}
}

// IdentityOffline drops the identity's channel after its last local
// connection goes away.
func (r *Relay) IdentityOffline(handle string) {
	channel := broker.UserChannel(handle)

	r.mu.Lock()
	delete(r.channels, channel)
	r.mu.Unlock()

	if err := r.stream.Remove(context.Background(), channel); err != nil {
		r.logger.Error("channel unsubscribe failed", "handle", handle, "error", err)
	}
}

// Run forwards stream deliveries to local connections until the stream
// closes or ctx is done.
func (r *Relay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-r.stream.Messages():
			if !ok {
				return
			}

			r.mu.Lock()
			handle, known := r.channels[d.Channel]
			r.mu.Unlock()
			if !known {
				// Frame raced an unsubscribe; the identity has no local
				// connections anymore.
				continue
			}

			if !r.local.Push(handle, d.Payload) {
				r.logger.Debug("relayed frame had no takers", "handle", handle)
			}
		}
	}
}

// Close shuts the underlying stream, which also unblocks Run.
func (r *Relay) Close() error {
	return r.stream.Close()
}
