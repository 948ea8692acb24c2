// Package capability tracks the loqa-voice nodes sharing a bus and the
// backends each of them can synthesize with.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type NodeInfo struct {
	ID           string                `json:"id"`
	Capabilities []protocol.Capability `json:"capabilities"`
	Sessions     int                   `json:"sessions"`
	LastSeen     time.Time             `json:"last_seen"`
	Healthy      bool                  `json:"healthy"`
}

// Source reports what the local node currently offers and how busy it is.
type Source struct {
	Capabilities func() []protocol.Capability
	Sessions     func() int
}

type Registry struct {
	cfg    config.NodeConfig
	log    *slog.Logger
	bus    *bus.Client
	source Source
	clock  func() time.Time

	mu    sync.RWMutex
	nodes map[string]*NodeInfo

	subs   []*nats.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, source Source, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		log:    log.With(slog.String("component", "node-registry")),
		bus:    busClient,
		source: source,
		clock:  time.Now,
		nodes:  make(map[string]*NodeInfo),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		cancel()
		return nil, err
	}

	if err := r.Announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	r.wg.Add(1)
	go r.run(ctx)
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectNodeAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectNodeHeartbeat+".*", r.handleHeartbeat)
	if err != nil {
		_ = announceSub.Unsubscribe()
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

// run heartbeats every interval and re-announces every few beats so late
// joiners learn our capabilities.
func (r *Registry) run(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Duration(r.cfg.HeartbeatIntervalMS) * time.Millisecond)
	defer ticker.Stop()

	for beats := 1; ; beats++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
			if beats%5 == 0 {
				if err := r.Announce(); err != nil {
					r.log.Warn("failed to announce node", slog.String("error", err.Error()))
				}
			}
			r.evaluateHealth()
		}
	}
}

// Announce publishes the local capabilities.
func (r *Registry) Announce() error {
	msg := protocol.NodeAnnounce{
		NodeID:       r.cfg.ID,
		Capabilities: r.localCapabilities(),
		Timestamp:    r.clock().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.bus.Publish(protocol.SubjectNodeAnnounce, payload); err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Capabilities, -1, msg.Timestamp)
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := protocol.NodeHeartbeat{
		NodeID:    r.cfg.ID,
		Timestamp: r.clock().UTC(),
	}
	if r.source.Sessions != nil {
		msg.Sessions = r.source.Sessions()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.bus.Publish(protocol.NodeHeartbeatSubject(r.cfg.ID), payload)
}

func (r *Registry) localCapabilities() []protocol.Capability {
	if r.source.Capabilities == nil {
		return nil
	}
	return r.source.Capabilities()
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announce protocol.NodeAnnounce
	if err := json.Unmarshal(msg.Data, &announce); err != nil || announce.NodeID == "" {
		r.log.Warn("invalid announce message", slog.String("subject", msg.Subject))
		return
	}
	if announce.Timestamp.IsZero() {
		announce.Timestamp = r.clock().UTC()
	}
	r.updateNode(announce.NodeID, announce.Capabilities, -1, announce.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.NodeHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		r.log.Warn("invalid heartbeat message", slog.String("subject", msg.Subject))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.clock().UTC()
	}
	r.updateNode(hb.NodeID, nil, hb.Sessions, hb.Timestamp)
}

// updateNode marks a node as seen. Nil capabilities and negative session
// counts leave the stored values alone.
func (r *Registry) updateNode(id string, caps []protocol.Capability, sessions int, seen time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		node = &NodeInfo{ID: id}
		r.nodes[id] = node
		if id != r.cfg.ID {
			r.log.Info("peer node discovered", slog.String("node", id))
		}
	}
	if caps != nil {
		node.Capabilities = caps
	}
	if sessions >= 0 {
		node.Sessions = sessions
	}
	if seen.After(node.LastSeen) {
		node.LastSeen = seen
	}
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeoutMS) * time.Millisecond
	now := r.clock()
	for _, node := range r.nodes {
		if node.Healthy && now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
			r.log.Warn("node missed heartbeats", slog.String("node", node.ID), slog.Time("last_seen", node.LastSeen))
		}
	}
}

// Healthy reports whether our own announcements are making it around the bus.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Nodes returns the known nodes matching filter, ordered by id.
func (r *Registry) Nodes(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		n := *node
		n.Capabilities = append([]protocol.Capability(nil), node.Capabilities...)
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-voice/capability")
	nodes, err := meter.Int64ObservableGauge("loqa_voice_nodes", metric.WithDescription("Healthy nodes on the bus"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(nodes, int64(len(r.Nodes(Healthy))))
		return nil
	}, nodes)
	return err
}

// Healthy is a Nodes filter for nodes that are still heartbeating.
func Healthy(node NodeInfo) bool { return node.Healthy }

// WithCapability filters nodes offering the named capability.
func WithCapability(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		if !node.Healthy {
			return false
		}
		for _, c := range node.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}
