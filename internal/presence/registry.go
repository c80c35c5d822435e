// Package presence tracks which caption nodes are alive on the bus and what they do.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/loqalabs/arcc/internal/bus"
	"github.com/loqalabs/arcc/internal/config"
	"github.com/loqalabs/arcc/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// NodeInfo is the registry's view of one node.
type NodeInfo struct {
	ID       string              `json:"id"`
	Roles    []protocol.NodeRole `json:"roles,omitempty"`
	LastSeen time.Time           `json:"last_seen"`
	Healthy  bool                `json:"healthy"`
}

// HasRole reports whether the node performs the named role.
func (n NodeInfo) HasRole(name string) bool {
	for _, role := range n.Roles {
		if role.Name == name {
			return true
		}
	}
	return false
}

// RolesFromConfig describes what a node running cfg does.
func RolesFromConfig(cfg config.Config) []protocol.NodeRole {
	var roles []protocol.NodeRole
	if cfg.STT.Enabled {
		roles = append(roles, protocol.NodeRole{Name: "stt", Attributes: map[string]string{
			"mode":     cfg.STT.Mode,
			"source":   cfg.STT.Source,
			"language": cfg.STT.Language,
		}})
	}
	roles = append(roles, protocol.NodeRole{Name: "overlay", Attributes: map[string]string{
		"source": cfg.Video.Source,
		"size":   strconv.Itoa(cfg.Video.Width) + "x" + strconv.Itoa(cfg.Video.Height),
		"fps":    strconv.Itoa(cfg.Video.FPS),
	}})
	if cfg.Caption.ListenBus {
		roles = append(roles, protocol.NodeRole{Name: "caption-listener"})
	}
	return roles
}

type Registry struct {
	cfg    config.NodeConfig
	roles  []protocol.NodeRole
	log    *slog.Logger
	bus    *bus.Client
	clock  func() time.Time
	mu     sync.RWMutex
	nodes  map[string]*NodeInfo
	subs   []*nats.Subscription
	gauge  metric.Registration
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customises a Registry.
type Option func(*Registry)

// WithClock overrides the time source used for heartbeats and health checks.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) { r.clock = clock }
}

// NewRegistry subscribes to presence traffic, announces this node and starts
// heartbeats.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, roles []protocol.NodeRole, busClient *bus.Client, log *slog.Logger, opts ...Option) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		roles:  roles,
		log:    log.With(slog.String("component", "presence")),
		bus:    busClient,
		clock:  time.Now,
		nodes:  make(map[string]*NodeInfo),
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if err := r.subscribe(); err != nil {
		cancel()
		return nil, err
	}
	if err := r.announce(); err != nil {
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
		_ = sub.Unsubscribe()
	}
	if r.gauge != nil {
		_ = r.gauge.Unregister()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectNodeAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectNodeHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) run(ctx context.Context) {
	defer r.wg.Done()
	heartbeat := time.NewTicker(time.Duration(r.cfg.HeartbeatIntervalMS) * time.Millisecond)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			msg := protocol.NodeHeartbeat{NodeID: r.cfg.ID, Timestamp: r.clock().UTC()}
			if err := r.bus.PublishJSON(protocol.SubjectNodeHeartbeatPrefix+"."+r.cfg.ID, msg); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := protocol.NodeAnnouncement{
		NodeID:    r.cfg.ID,
		Roles:     r.roles,
		Timestamp: r.clock().UTC(),
	}
	if err := r.bus.PublishJSON(protocol.SubjectNodeAnnounce, msg); err != nil {
		return err
	}
	r.updateNode(msg.NodeID, msg.Roles, msg.Timestamp)
	return nil
}

// handleAnnounce records a peer. Meeting a new peer triggers a re-announce so
// the peer learns about this node too.
func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var a protocol.NodeAnnouncement
	if err := json.Unmarshal(msg.Data, &a); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if a.NodeID == "" || a.NodeID == r.cfg.ID {
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = r.clock().UTC()
	}
	if isNew := r.updateNode(a.NodeID, a.Roles, a.Timestamp); isNew {
		r.log.Info("caption node joined", slog.String("node_id", a.NodeID), slog.Int("roles", len(a.Roles)))
		if err := r.announce(); err != nil {
			r.log.Warn("failed to re-announce node", slog.String("error", err.Error()))
		}
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.NodeHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.NodeID == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.clock().UTC()
	}
	r.updateNode(hb.NodeID, nil, hb.Timestamp)
}

func (r *Registry) updateNode(nodeID string, roles []protocol.NodeRole, seen time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	if len(roles) > 0 {
		node.Roles = roles
	}
	if seen.After(node.LastSeen) {
		node.LastSeen = seen
	}
	node.Healthy = true
	return !ok
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeoutMS) * time.Millisecond
	now := r.clock()
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			if node.Healthy {
				r.log.Warn("caption node missed heartbeats", slog.String("node_id", node.ID))
			}
			node.Healthy = false
		}
	}
}

// Healthy reports whether this node's own presence is current.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Nodes returns every known node ordered by id. A non-nil filter selects a subset.
func (r *Registry) Nodes(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		n := *node
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

// WithRole selects nodes performing the named role.
func WithRole(name string) func(NodeInfo) bool {
	return func(n NodeInfo) bool { return n.HasRole(name) }
}

// ServeHTTP lists known nodes as JSON. ?role= narrows the list.
func (r *Registry) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var filter func(NodeInfo) bool
	if role := req.URL.Query().Get("role"); role != "" {
		filter = WithRole(role)
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(r.Nodes(filter)); err != nil {
		r.log.Warn("failed to write node list", slog.String("error", err.Error()))
	}
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/arcc/presence")
	gauge, err := meter.Int64ObservableGauge("arcc.nodes", metric.WithDescription("Known caption nodes by health"))
	if err != nil {
		return err
	}
	healthy := metric.WithAttributes(attribute.Bool("healthy", true))
	unhealthy := metric.WithAttributes(attribute.Bool("healthy", false))
	r.gauge, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		up, down := r.counts()
		obs.ObserveInt64(gauge, up, healthy)
		obs.ObserveInt64(gauge, down, unhealthy)
		return nil
	}, gauge)
	return err
}

func (r *Registry) counts() (up, down int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, node := range r.nodes {
		if node.Healthy {
			up++
		} else {
			down++
		}
	}
	return up, down
}
