package serverstate

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisStore implements Store backed by a Redis instance. Server state is a
// hash with one field per State member. Each session is its own hash, which
// expires unless republished, and a set indexes the live session ids so
// several bridges can list each other's sessions.
type redisStore struct {
	client redis.UniversalClient
	ctx    context.Context
}

const (
	serverKey        = "lspbridge:server"
	sessionIndexKey  = "lspbridge:sessions"
	sessionKeyPrefix = "lspbridge:session:"

	// sessionTTL bounds how long a record outlives a bridge that died
	// without deleting it. Every state change refreshes it.
	sessionTTL = 24 * time.Hour
)

// NewRedisStore connects to the given Redis URL and returns a Store.
// The server hash starts as not_ready if no bridge has written it yet.
func NewRedisStore(addr string) (*redisStore, error) {
	opts, err := parseRedisURL(addr)
	if err != nil {
		return nil, err
	}
	c := redis.NewUniversalClient(opts)
	rs := &redisStore{client: c, ctx: context.Background()}
	if err := c.Ping(rs.ctx).Err(); err != nil {
		return nil, err
	}
	_ = c.HSetNX(rs.ctx, serverKey, "status", "not_ready").Err()
	return rs, nil
}

// parseRedisURL parses addr into UniversalOptions supporting single, cluster,
// and sentinel Redis deployments. If no scheme is present, addr is treated as
// a plain host:port string.
func parseRedisURL(addr string) (*redis.UniversalOptions, error) {
	if !strings.Contains(addr, "://") {
		return &redis.UniversalOptions{Addrs: []string{addr}}, nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}

	opts := &redis.UniversalOptions{}
	if u.User != nil {
		opts.Username = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			opts.Password = pw
		}
	}
	opts.Addrs = strings.Split(u.Host, ",")

	q := u.Query()
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	switch u.Scheme {
	case "redis", "rediss":
		if u.Path != "" && u.Path != "/" {
			if db, err := strconv.Atoi(strings.TrimPrefix(u.Path, "/")); err == nil {
				opts.DB = db
			} else {
				return nil, fmt.Errorf("redis: invalid db: %v", err)
			}
		} else if dbStr := q.Get("db"); dbStr != "" {
			if db, err := strconv.Atoi(dbStr); err == nil {
				opts.DB = db
			} else {
				return nil, fmt.Errorf("redis: invalid db: %v", err)
			}
		}
		if u.Scheme == "rediss" {
			opts.TLSConfig = tlsCfg
		}
	case "redis-sentinel", "rediss-sentinel":
		opts.MasterName = strings.TrimPrefix(u.Path, "/")
		if dbStr := q.Get("db"); dbStr != "" {
			if db, err := strconv.Atoi(dbStr); err == nil {
				opts.DB = db
			} else {
				return nil, fmt.Errorf("redis: invalid db: %v", err)
			}
		}
		if v := q.Get("sentinel_username"); v != "" {
			opts.SentinelUsername = v
		}
		if v := q.Get("sentinel_password"); v != "" {
			opts.SentinelPassword = v
		}
		if u.Scheme == "rediss-sentinel" {
			opts.TLSConfig = tlsCfg
		}
	default:
		return nil, fmt.Errorf("redis: invalid URL scheme: %s", u.Scheme)
	}

	return opts, nil
}

func (r *redisStore) Load() State {
	m, err := r.client.HGetAll(r.ctx, serverKey).Result()
	if err != nil {
		return State{Status: "unknown"}
	}
	if len(m) == 0 {
		return State{Status: "not_ready"}
	}
	st := State{Status: m["status"]}
	st.Draining, _ = strconv.ParseBool(m["draining"])
	return st
}

func (r *redisStore) Store(s State) {
	_ = r.client.HSet(r.ctx, serverKey, "status", s.Status, "draining", strconv.FormatBool(s.Draining)).Err()
}

func sessionKey(id string) string { return sessionKeyPrefix + id }

func (r *redisStore) PutSession(rec SessionRecord) {
	key := sessionKey(rec.ID)
	_, _ = r.client.TxPipelined(r.ctx, func(p redis.Pipeliner) error {
		p.HSet(r.ctx, key, map[string]any{
			"state":       rec.State,
			"process":     rec.Process,
			"remote_addr": rec.RemoteAddr,
			"created_at":  rec.CreatedAt.Format(time.RFC3339Nano),
			"updated_at":  rec.UpdatedAt.Format(time.RFC3339Nano),
		})
		p.Expire(r.ctx, key, sessionTTL)
		p.SAdd(r.ctx, sessionIndexKey, rec.ID)
		return nil
	})
}

func (r *redisStore) DeleteSession(id string) {
	_, _ = r.client.TxPipelined(r.ctx, func(p redis.Pipeliner) error {
		p.Del(r.ctx, sessionKey(id))
		p.SRem(r.ctx, sessionIndexKey, id)
		return nil
	})
}

// Sessions reads every indexed record. Ids whose hash has expired are pruned
// from the index.
func (r *redisStore) Sessions() []SessionRecord {
	ids, err := r.client.SMembers(r.ctx, sessionIndexKey).Result()
	if err != nil || len(ids) == 0 {
		return nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, _ = r.client.Pipelined(r.ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(r.ctx, sessionKey(id))
		}
		return nil
	})
	out := make([]SessionRecord, 0, len(ids))
	var stale []any
	for i, cmd := range cmds {
		m, err := cmd.Result()
		if err != nil {
			continue
		}
		if len(m) == 0 {
			stale = append(stale, ids[i])
			continue
		}
		out = append(out, sessionFromHash(ids[i], m))
	}
	if len(stale) > 0 {
		_ = r.client.SRem(r.ctx, sessionIndexKey, stale...).Err()
	}
	sortSessions(out)
	return out
}

func sessionFromHash(id string, m map[string]string) SessionRecord {
	rec := SessionRecord{
		ID:         id,
		State:      m["state"],
		Process:    m["process"],
		RemoteAddr: m["remote_addr"],
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, m["created_at"])
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, m["updated_at"])
	return rec
}

// Close releases the Redis client.
func (r *redisStore) Close() error {
	return r.client.Close()
}

