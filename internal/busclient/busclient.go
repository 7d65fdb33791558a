// Package busclient implements C5: the bus client, a thin wrapper over
// NATS used by both the master and agent runtimes to exchange requests,
// responses, and presence heartbeats (spec.md §4.5, §6). It is grounded on
// the teacher's pkg/swarm.NATSBridge (connection options, reconnect
// handling) and pkg/swarm.CapabilityRegistry (JetStream KeyValue bucket
// for presence, adapted from capability rows to TTL'd presence keys).
package busclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/gokr/niffler/internal/logger"
	"github.com/gokr/niffler/internal/nifflerrors"
)

const presenceBucket = "NIFFLER_PRESENCE"

// Subject builders for the fixed subject scheme spec.md §6 requires —
// unlike the teacher's general SubjectBuilder/capability patterns, niffler
// has exactly three subjects and no dynamic capability routing.
func agentRequestSubject(agent string) string { return fmt.Sprintf("niffler.agent.%s.request", agent) }

const masterResponseSubject = "niffler.master.response"
const masterStatusSubject = "niffler.master.status"

// NatsRequest is published by the master to an agent's request subject.
type NatsRequest struct {
	RequestID string `json:"request_id"`
	AgentName string `json:"agent_name"`
	Input     string `json:"input"`
}

// NatsResponse is published by an agent back to the master response subject.
type NatsResponse struct {
	RequestID string `json:"request_id"`
	AgentName string `json:"agent_name"`
	Content   string `json:"content"`
	Done      bool   `json:"done"`
}

// NatsStatusUpdate is an out-of-band progress notice an agent may publish
// while a request is in flight (spec.md §4.6.2).
type NatsStatusUpdate struct {
	RequestID string `json:"request_id"`
	AgentName string `json:"agent_name"`
	Status    string `json:"status"`
}

// Client wraps a NATS connection plus its JetStream presence bucket.
type Client struct {
	conn         *nats.Conn
	js           nats.JetStreamContext
	presenceTTL  time.Duration
	clientPrefix string
}

// Connect dials url and ensures the presence KV bucket exists, following
// the teacher's reconnect-forever NATSBridge.Connect options.
func Connect(url string, presenceTTL time.Duration, clientPrefix string) (*Client, error) {
	opts := []nats.Option{
		nats.Name(clientPrefix),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.WarnCF("busclient", "nats disconnected", map[string]any{"error": fmt.Sprint(err)})
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.InfoCF("busclient", "nats reconnected", map[string]any{"url": nc.ConnectedUrl()})
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("busclient: connect: %w: %w", nifflerrors.ErrBusUnavailable, err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("busclient: jetstream context: %w", err)
	}

	c := &Client{conn: conn, js: js, presenceTTL: presenceTTL, clientPrefix: clientPrefix}
	if err := c.ensurePresenceBucket(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) ensurePresenceBucket() error {
	if _, err := c.js.KeyValue(presenceBucket); err == nil {
		return nil
	}
	_, err := c.js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:      presenceBucket,
		Description: "niffler agent presence",
		TTL:         c.presenceTTL,
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return fmt.Errorf("busclient: creating presence bucket: %w", err)
	}
	return nil
}

// Close closes the underlying connection without draining it.
func (c *Client) Close() {
	c.conn.Close()
}

// PublishRequest fires a request at an agent's subject. Fire-and-forget per
// spec.md §4.7: the master does not block on delivery confirmation.
func (c *Client) PublishRequest(agent string, req NatsRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("busclient: marshal request: %w", err)
	}
	return c.conn.Publish(agentRequestSubject(agent), data)
}

// SubscribeAgentRequests subscribes an agent to its own request subject.
func (c *Client) SubscribeAgentRequests(agent string, handler func(NatsRequest)) (*nats.Subscription, error) {
	return c.conn.Subscribe(agentRequestSubject(agent), func(msg *nats.Msg) {
		var req NatsRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			logger.WarnCF("busclient", "dropping malformed request", map[string]any{"error": err.Error()})
			return
		}
		handler(req)
	})
}

// PublishResponse publishes an agent's reply to the master.
func (c *Client) PublishResponse(resp NatsResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("busclient: marshal response: %w", err)
	}
	return c.conn.Publish(masterResponseSubject, data)
}

// SubscribeResponses subscribes the master to the shared response subject.
func (c *Client) SubscribeResponses(handler func(NatsResponse)) (*nats.Subscription, error) {
	return c.conn.Subscribe(masterResponseSubject, func(msg *nats.Msg) {
		var resp NatsResponse
		if err := json.Unmarshal(msg.Data, &resp); err != nil {
			logger.WarnCF("busclient", "dropping malformed response", map[string]any{"error": err.Error()})
			return
		}
		handler(resp)
	})
}

// PublishStatus publishes an out-of-band progress update.
func (c *Client) PublishStatus(status NatsStatusUpdate) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("busclient: marshal status: %w", err)
	}
	return c.conn.Publish(masterStatusSubject, data)
}

// SubscribeStatus subscribes the master to the shared status subject.
func (c *Client) SubscribeStatus(handler func(NatsStatusUpdate)) (*nats.Subscription, error) {
	return c.conn.Subscribe(masterStatusSubject, func(msg *nats.Msg) {
		var status NatsStatusUpdate
		if err := json.Unmarshal(msg.Data, &status); err != nil {
			return
		}
		handler(status)
	})
}

// presenceKeyPrefix uses "." as the separator because NATS KV keys may not
// contain ':'.
const presenceKeyPrefix = "present."

func presenceKey(agent string) string { return presenceKeyPrefix + agent }

// Heartbeat upserts the presence key for agent with the bucket's
// configured TTL, following registry.go's KV-Put-as-heartbeat pattern.
func (c *Client) Heartbeat(agent string) error {
	kv, err := c.js.KeyValue(presenceBucket)
	if err != nil {
		return fmt.Errorf("busclient: presence bucket: %w", err)
	}
	_, err = kv.Put(presenceKey(agent), []byte(time.Now().UTC().Format(time.RFC3339)))
	return err
}

// IsPresent reports whether agent has a live presence key.
func (c *Client) IsPresent(agent string) (bool, error) {
	kv, err := c.js.KeyValue(presenceBucket)
	if err != nil {
		return false, fmt.Errorf("busclient: presence bucket: %w", err)
	}
	_, err = kv.Get(presenceKey(agent))
	if err == nats.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListPresent returns every agent name with a live presence key.
func (c *Client) ListPresent() ([]string, error) {
	kv, err := c.js.KeyValue(presenceBucket)
	if err != nil {
		return nil, fmt.Errorf("busclient: presence bucket: %w", err)
	}
	keys, err := kv.Keys()
	if err != nil {
		if err == nats.ErrNoKeysFound {
			return nil, nil
		}
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if len(k) > len(presenceKeyPrefix) && k[:len(presenceKeyPrefix)] == presenceKeyPrefix {
			out = append(out, k[len(presenceKeyPrefix):])
		}
	}
	return out, nil
}

// RemovePresence deletes agent's presence key, used on graceful shutdown.
func (c *Client) RemovePresence(agent string) error {
	kv, err := c.js.KeyValue(presenceBucket)
	if err != nil {
		return fmt.Errorf("busclient: presence bucket: %w", err)
	}
	err = kv.Delete(presenceKey(agent))
	if err == nats.ErrKeyNotFound {
		return nil
	}
	return err
}

// HeartbeatLoop publishes a heartbeat for agent every interval until ctx is
// cancelled, per spec.md §4.5's "heartbeat at TTL/3" cadence.
func (c *Client) HeartbeatLoop(ctx context.Context, agent string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Heartbeat(agent); err != nil {
				logger.WarnCF("busclient", "heartbeat failed", map[string]any{"agent": agent, "error": err.Error()})
			}
		}
	}
}
