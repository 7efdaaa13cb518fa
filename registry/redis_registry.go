package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/itsneelabh/col/core"
)

// RedisMirror is an optional external mirror of the in-memory Registry,
// letting operators inspect the fleet with redis-cli without making Redis
// load-bearing for agent selection. Keys are namespaced the same way across
// all three index types so a single SCAN prefix finds everything for a
// service.
//
//	{namespace}:agents:{id}            -> JSON-encoded Info, with TTL
//	{namespace}:capabilities:{name}    -> set of agent ids
//	{namespace}:types:{type}           -> set of agent ids
type RedisMirror struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
	logger    core.Logger
}

// NewRedisMirror parses redisURL and returns a Mirror. It does not dial
// Redis: an unparseable URL is the only error it returns, and connection
// failures show up as errors from the mirror's methods, which the in-memory
// Registry logs without failing since it is authoritative with or without a
// mirror.
func NewRedisMirror(redisURL, namespace string, ttl time.Duration, logger core.Logger) (*RedisMirror, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidConfiguration, err)
	}
	if namespace == "" {
		namespace = core.DefaultRegistryNamespace
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisMirror{
		client:    redis.NewClient(opts),
		namespace: namespace,
		ttl:       ttl,
		logger:    logger,
	}, nil
}

func (m *RedisMirror) agentKey(id string) string {
	return fmt.Sprintf("%s:agents:%s", m.namespace, id)
}

func (m *RedisMirror) capabilityKey(name string) string {
	return fmt.Sprintf("%s:capabilities:%s", m.namespace, name)
}

func (m *RedisMirror) typeKey(agentType string) string {
	return fmt.Sprintf("%s:types:%s", m.namespace, agentType)
}

// Register writes the agent record and adds it to its capability/type index
// sets, all via one pipeline to keep the mirror consistent even under
// concurrent writers.
func (m *RedisMirror) Register(ctx context.Context, info *Info) error {
	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal agent record: %w", err)
	}

	pipe := m.client.TxPipeline()
	pipe.Set(ctx, m.agentKey(info.AgentID), payload, m.ttl)
	for _, cap := range info.Capabilities {
		pipe.SAdd(ctx, m.capabilityKey(cap.Name), info.AgentID)
		pipe.Expire(ctx, m.capabilityKey(cap.Name), m.ttl)
	}
	pipe.SAdd(ctx, m.typeKey(info.AgentType), info.AgentID)
	pipe.Expire(ctx, m.typeKey(info.AgentType), m.ttl)

	_, err = pipe.Exec(ctx)
	return err
}

// UpdateHealth refreshes the mirrored record's status and renews its TTL so
// a live agent never silently expires out of the mirror between heartbeats.
func (m *RedisMirror) UpdateHealth(ctx context.Context, id string, status AgentStatus) error {
	raw, err := m.client.Get(ctx, m.agentKey(id)).Bytes()
	if err == redis.Nil {
		return fmt.Errorf("%w: %s", core.ErrAgentNotFound, id)
	}
	if err != nil {
		return err
	}

	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return fmt.Errorf("unmarshal agent record: %w", err)
	}
	info.Status = status
	info.LastHeartbeat = time.Now()

	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal agent record: %w", err)
	}
	return m.client.Set(ctx, m.agentKey(id), payload, m.ttl).Err()
}

// Unregister removes the agent record and its index memberships.
func (m *RedisMirror) Unregister(ctx context.Context, id string) error {
	raw, err := m.client.Get(ctx, m.agentKey(id)).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}

	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return fmt.Errorf("unmarshal agent record: %w", err)
	}

	pipe := m.client.TxPipeline()
	pipe.Del(ctx, m.agentKey(id))
	for _, cap := range info.Capabilities {
		pipe.SRem(ctx, m.capabilityKey(cap.Name), id)
	}
	pipe.SRem(ctx, m.typeKey(info.AgentType), id)

	_, err = pipe.Exec(ctx)
	return err
}

// Close releases the underlying Redis client.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
