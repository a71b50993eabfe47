// Package fanout keeps the registry of live sessions per user and pushes
// events to every session of the interested users.
package fanout

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Session is one live connection of a user. Send must not block on a slow
// peer: implementations queue the frame or fail fast.
type Session interface {
	ID() string
	Send(ctx context.Context, e Event) error
}

// Publisher pushes events to users. Hub is the production implementation.
type Publisher interface {
	Publish(ctx context.Context, recipients []string, except string, e Event) Delivery
}

// Delivery maps each recipient to the number of sessions that accepted the
// event. Recipients with no live sessions are absent.
type Delivery map[string]int

// Reached reports whether user had at least one session accept the event.
func (d Delivery) Reached(user string) bool { return d[user] > 0 }

// relayRetry is the pause before resubscribing after a relay failure.
const relayRetry = 2 * time.Second

// Hub is the session registry. It is safe for concurrent use.
type Hub struct {
	nodeID    string
	relay     Relay
	roster    Roster
	rosterTTL time.Duration
	onRelayed func(ctx context.Context, e Event, d Delivery)
	log       logrus.FieldLogger

	mu       sync.RWMutex
	sessions map[string]map[string]Session // user -> session id -> session

	lifeMu  sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// HubOpts holds parameters for creating a Hub.
type HubOpts struct {
	Relay     Relay         // optional cross-node relay
	Roster    Roster        // optional cluster presence
	RosterTTL time.Duration // heartbeat period is a third of it; defaults to DefaultPresenceTTL
	NodeID    string        // defaults to a random id
	Log       logrus.FieldLogger

	// OnRelayed, if set, is called after an event from another node
	// reached at least one session here.
	OnRelayed func(ctx context.Context, e Event, d Delivery)
}

// NewHub creates a Hub. Call Start before publishing through a relay.
func NewHub(opts HubOpts) *Hub {
	nodeID := opts.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	ttl := opts.RosterTTL
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &Hub{
		nodeID:    nodeID,
		relay:     opts.Relay,
		roster:    opts.Roster,
		rosterTTL: ttl,
		onRelayed: opts.OnRelayed,
		log:       log,
		sessions:  make(map[string]map[string]Session),
	}
}

// NodeID returns this hub's relay identity.
func (h *Hub) NodeID() string { return h.nodeID }

// Start begins consuming the relay, if one is configured.
func (h *Hub) Start(ctx context.Context) error {
	h.lifeMu.Lock()
	defer h.lifeMu.Unlock()
	if h.running {
		return fmt.Errorf("fanout: hub already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.running = true

	if h.relay != nil {
		h.wg.Add(1)
		go h.consumeRelay(ctx)
	}
	if h.roster != nil {
		h.wg.Add(1)
		go h.heartbeat(ctx)
	}
	return nil
}

// Stop ends relay consumption, closes every registered session that
// implements io.Closer and empties the registry.
func (h *Hub) Stop() {
	h.lifeMu.Lock()
	wasRunning := h.running
	if h.running {
		h.cancel()
		h.running = false
	}
	h.lifeMu.Unlock()
	h.wg.Wait()

	h.mu.Lock()
	all := h.sessions
	h.sessions = make(map[string]map[string]Session)
	h.mu.Unlock()

	for _, byID := range all {
		for _, s := range byID {
			if c, ok := s.(io.Closer); ok {
				c.Close()
			}
		}
	}
	if h.roster != nil {
		ctx, cancel := context.WithTimeout(context.Background(), rosterTimeout)
		if err := h.roster.Leave(ctx, h.nodeID); err != nil {
			h.log.WithError(err).Warn("fanout: leave roster failed")
		}
		cancel()
	}
	if h.relay != nil && wasRunning {
		h.relay.Close()
	}
}

// Register adds a session for user.
func (h *Hub) Register(user string, s Session) {
	h.mu.Lock()
	byID, ok := h.sessions[user]
	if !ok {
		byID = make(map[string]Session)
		h.sessions[user] = byID
	}
	_, dup := byID[s.ID()]
	byID[s.ID()] = s
	count := len(byID)
	h.mu.Unlock()

	if !dup {
		h.adjustRoster(user, 1)
	}

	h.log.WithFields(logrus.Fields{"user": user, "session": s.ID(), "sessions": count}).Debug("fanout: session registered")
}

// Unregister removes a session. It reports whether the session was present.
func (h *Hub) Unregister(user string, s Session) bool {
	h.mu.Lock()
	byID, ok := h.sessions[user]
	if ok {
		_, ok = byID[s.ID()]
		delete(byID, s.ID())
		if len(byID) == 0 {
			delete(h.sessions, user)
		}
	}
	h.mu.Unlock()

	if ok {
		h.adjustRoster(user, -1)
		h.log.WithFields(logrus.Fields{"user": user, "session": s.ID()}).Debug("fanout: session unregistered")
	}
	return ok
}

// Online returns the number of live sessions for user on this node.
func (h *Hub) Online(user string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[user])
}

// OnlineAnywhere returns the number of live sessions for user across the
// cluster. Without a roster, or when the roster cannot be read, it is the
// local count.
func (h *Hub) OnlineAnywhere(user string) int {
	local := h.Online(user)
	if h.roster == nil {
		return local
	}
	ctx, cancel := context.WithTimeout(context.Background(), rosterTimeout)
	defer cancel()
	n, err := h.roster.Count(ctx, user)
	if err != nil {
		h.log.WithError(err).WithField("user", user).Warn("fanout: roster count failed, using local sessions")
		return local
	}
	if int(n) > local {
		return int(n)
	}
	return local
}

// rosterTimeout bounds each roster call.
const rosterTimeout = 2 * time.Second

func (h *Hub) adjustRoster(user string, delta int64) {
	if h.roster == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), rosterTimeout)
	defer cancel()
	if err := h.roster.Adjust(ctx, h.nodeID, user, delta); err != nil {
		h.log.WithError(err).WithField("user", user).Warn("fanout: roster update failed")
	}
}

// heartbeat keeps this node's roster entry alive until ctx is cancelled.
func (h *Hub) heartbeat(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.rosterTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bctx, cancel := context.WithTimeout(ctx, rosterTimeout)
			if err := h.roster.Heartbeat(bctx, h.nodeID); err != nil {
				h.log.WithError(err).Warn("fanout: roster heartbeat failed")
			}
			cancel()
		}
	}
}

// Users returns the number of users with at least one session.
func (h *Hub) Users() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Publish delivers e to every session of every recipient except the user
// named by except, then forwards it to other nodes through the relay. Send
// failures are logged and never returned.
func (h *Hub) Publish(ctx context.Context, recipients []string, except string, e Event) Delivery {
	targets := uniqueExcept(recipients, except)
	d := h.deliverLocal(ctx, targets, e)

	if h.relay != nil && len(targets) > 0 {
		env := Envelope{Node: h.nodeID, Recipients: targets, Event: e}
		if err := h.relay.Publish(ctx, env); err != nil {
			h.log.WithError(err).WithField("type", e.Type).Warn("fanout: relay publish failed")
		}
	}
	return d
}

// deliverLocal snapshots the sessions of users under the read lock and
// sends outside it, so a slow session never holds up registration.
func (h *Hub) deliverLocal(ctx context.Context, users []string, e Event) Delivery {
	type target struct {
		user string
		s    Session
	}
	var targets []target
	h.mu.RLock()
	for _, u := range users {
		for _, s := range h.sessions[u] {
			targets = append(targets, target{u, s})
		}
	}
	h.mu.RUnlock()

	d := make(Delivery)
	for _, t := range targets {
		if err := t.s.Send(ctx, e); err != nil {
			h.log.WithFields(logrus.Fields{
				"user":    t.user,
				"session": t.s.ID(),
				"type":    e.Type,
			}).WithError(err).Debug("fanout: send failed, dropping frame")
			continue
		}
		d[t.user]++
	}
	return d
}

// consumeRelay feeds envelopes from other nodes to local sessions until ctx
// is cancelled, resubscribing after failures.
func (h *Hub) consumeRelay(ctx context.Context) {
	defer h.wg.Done()
	for {
		err := h.relay.Subscribe(ctx, func(env Envelope) {
			if env.Node == h.nodeID {
				return
			}
			d := h.deliverLocal(ctx, env.Recipients, env.Event)
			if len(d) > 0 && h.onRelayed != nil {
				h.onRelayed(ctx, env.Event, d)
			}
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			h.log.WithError(err).Warn("fanout: relay subscription ended, retrying")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(relayRetry):
		}
	}
}

// uniqueExcept returns users in order without duplicates, empty ids or except.
func uniqueExcept(users []string, except string) []string {
	seen := make(map[string]bool, len(users))
	out := make([]string, 0, len(users))
	for _, u := range users {
		if u == "" || u == except || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}
