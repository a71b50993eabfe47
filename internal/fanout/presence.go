package fanout

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/valkey-io/valkey-go"
)

// DefaultPresenceTTL is how long a node's session counts stay visible
// without a heartbeat.
const DefaultPresenceTTL = 30 * time.Second

// Roster counts live sessions across every node sharing a relay, so a user
// connected to another node is not treated as offline.
type Roster interface {
	Adjust(ctx context.Context, node, user string, delta int64) error
	// Heartbeat keeps the node's counts alive. A node that stops beating
	// drops out of Count after the roster's TTL.
	Heartbeat(ctx context.Context, node string) error
	Count(ctx context.Context, user string) (int64, error)
	Leave(ctx context.Context, node string) error
}

// ValkeyRoster is a Roster kept in valkey: one hash of user -> sessions per
// node, and a sorted set of nodes scored by their last heartbeat.
type ValkeyRoster struct {
	client valkey.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewValkeyRoster builds a roster on client. Keys start with prefix.
func NewValkeyRoster(client valkey.Client, prefix string, ttl time.Duration) *ValkeyRoster {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &ValkeyRoster{client: client, prefix: prefix, ttl: ttl, now: time.Now}
}

// TTL returns how long counts survive without a heartbeat.
func (r *ValkeyRoster) TTL() time.Duration { return r.ttl }

func (r *ValkeyRoster) nodesKey() string { return r.prefix + ":nodes" }
func (r *ValkeyRoster) nodeKey(node string) string { return r.prefix + ":node:" + node }

// Adjust implements Roster.
func (r *ValkeyRoster) Adjust(ctx context.Context, node, user string, delta int64) error {
	key := r.nodeKey(node)
	results := r.client.DoMulti(ctx,
		r.client.B().Hincrby().Key(key).Field(user).Increment(delta).Build(),
		r.client.B().Expire().Key(key).Seconds(int64(r.ttl.Seconds())).Build(),
		r.client.B().Zadd().Key(r.nodesKey()).ScoreMember().ScoreMember(float64(r.now().Unix()), node).Build(),
	)
	for _, res := range results {
		if err := res.Error(); err != nil {
			return fmt.Errorf("fanout: adjust presence of %s: %w", user, err)
		}
	}
	n, err := results[0].AsInt64()
	if err == nil && n <= 0 {
		if err := r.client.Do(ctx, r.client.B().Hdel().Key(key).Field(user).Build()).Error(); err != nil {
			return fmt.Errorf("fanout: clear presence of %s: %w", user, err)
		}
	}
	return nil
}

// Heartbeat implements Roster.
func (r *ValkeyRoster) Heartbeat(ctx context.Context, node string) error {
	results := r.client.DoMulti(ctx,
		r.client.B().Expire().Key(r.nodeKey(node)).Seconds(int64(r.ttl.Seconds())).Build(),
		r.client.B().Zadd().Key(r.nodesKey()).ScoreMember().ScoreMember(float64(r.now().Unix()), node).Build(),
	)
	for _, res := range results {
		if err := res.Error(); err != nil {
			return fmt.Errorf("fanout: presence heartbeat: %w", err)
		}
	}
	return nil
}

// Count implements Roster. Nodes whose heartbeat is older than the TTL are
// ignored.
func (r *ValkeyRoster) Count(ctx context.Context, user string) (int64, error) {
	cutoff := strconv.FormatInt(r.now().Add(-r.ttl).Unix(), 10)
	nodes, err := r.client.Do(ctx, r.client.B().Zrangebyscore().Key(r.nodesKey()).Min(cutoff).Max("+inf").Build()).AsStrSlice()
	if err != nil {
		return 0, fmt.Errorf("fanout: list presence nodes: %w", err)
	}
	var total int64
	for _, node := range nodes {
		n, err := r.client.Do(ctx, r.client.B().Hget().Key(r.nodeKey(node)).Field(user).Build()).AsInt64()
		if valkey.IsValkeyNil(err) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("fanout: read presence of %s: %w", user, err)
		}
		if n > 0 {
			total += n
		}
	}
	return total, nil
}

// Leave implements Roster.
func (r *ValkeyRoster) Leave(ctx context.Context, node string) error {
	results := r.client.DoMulti(ctx,
		r.client.B().Del().Key(r.nodeKey(node)).Build(),
		r.client.B().Zrem().Key(r.nodesKey()).Member(node).Build(),
	)
	for _, res := range results {
		if err := res.Error(); err != nil {
			return fmt.Errorf("fanout: leave presence: %w", err)
		}
	}
	return nil
}
