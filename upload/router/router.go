// Package router ranks the configured storage backends and picks the node
// an upload should land on, keeping node health and usage snapshots fresh.
package router

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"

	"github.com/driveport-io/go-uploadkit/upload/network"
)

// ErrNoCapacity is returned when no online node has room for the upload.
var ErrNoCapacity = errors.New("no storage node can accept the upload")

// Status of a storage node.
type Status string

const (
	StatusOnline   Status = "online"
	StatusOffline  Status = "offline"
	StatusChecking Status = "checking"
)

// Node is one candidate storage backend. The router owns the ranking; node
// state is read-mostly and refreshed by health probes.
type Node struct {
	ID       string
	Endpoint string

	// Priority ranks nodes, lower first. The primary node is priority 0.
	Priority int

	// Capacity in bytes. Zero or negative means unconstrained.
	Capacity int64
	Used     int64

	Status    Status
	Transport network.Transport
}

// Free returns the node's remaining capacity.
func (n *Node) Free() int64 {
	if n.Capacity <= 0 {
		return math.MaxInt64
	}
	return n.Capacity - n.Used
}

// Config holds the router's probing knobs.
type Config struct {
	// ProbeTimeout bounds one health probe.
	ProbeTimeout time.Duration

	// ProbeInterval is the background refresh cadence.
	ProbeInterval time.Duration
}

// DefaultConfig returns the default router configuration.
func DefaultConfig() Config {
	return Config{
		ProbeTimeout:  3 * time.Second,
		ProbeInterval: 30 * time.Second,
	}
}

// Router selects the destination node for uploads and tracks node health.
type Router struct {
	config Config
	logger log.Logger

	mu    sync.RWMutex
	nodes []*Node
}

// New creates a router over the given nodes. The first node is the primary;
// configuration order breaks priority ties.
func New(nodes []*Node, config Config, logger log.Logger) *Router {
	for _, node := range nodes {
		if node.Status == "" {
			node.Status = StatusOnline
		}
	}

	return &Router{
		config: config,
		logger: logger,
		nodes:  nodes,
	}
}

// SelectNode returns the best online node with more than required bytes
// free: lowest priority first, most free space breaking ties. It is a pure
// read over the current snapshots and performs no network calls.
func (r *Router) SelectNode(required int64) (*Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []*Node
	for _, node := range r.nodes {
		if node.Status != StatusOnline {
			continue
		}
		if node.Free() > required {
			candidates = append(candidates, node)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoCapacity
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].Free() > candidates[j].Free()
	})

	return candidates[0], nil
}

// Node returns the node with the given ID, used to pin resumed uploads to
// the node their chunks already live on.
func (r *Router) Node(id string) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, node := range r.nodes {
		if node.ID == id {
			return node, true
		}
	}
	return nil, false
}

// Nodes returns a snapshot of the node list.
func (r *Router) Nodes() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]*Node{}, r.nodes...)
}

// RecordUsage charges bytes against the node. Called only after a confirmed
// durable acceptance so retried chunks are never double-counted.
func (r *Router) RecordUsage(nodeID string, bytes int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, node := range r.nodes {
		if node.ID == nodeID {
			node.Used += bytes
			r.logger.Debugf("Node %s usage now %s", node.ID, units.HumanSizeWithPrecision(float64(node.Used), 3))
			return
		}
	}
}

// HealthCheck probes one node within the configured timeout and updates its
// status. A node reporting its own capacity figures refreshes the snapshot.
func (r *Router) HealthCheck(ctx context.Context, node *Node) bool {
	r.setStatus(node, StatusChecking)

	probeCtx, cancel := context.WithTimeout(ctx, r.config.ProbeTimeout)
	defer cancel()

	health, err := node.Transport.CheckHealth(probeCtx)
	if err != nil {
		r.logger.Warnf("Storage node %s is unreachable: %s", node.ID, err)
		r.setStatus(node, StatusOffline)
		return false
	}

	r.mu.Lock()
	node.Status = StatusOnline
	if health.CapacityBytes > 0 {
		node.Capacity = health.CapacityBytes
		node.Used = health.UsedBytes
	}
	r.mu.Unlock()

	return true
}

// RefreshAll probes every node concurrently.
func (r *Router) RefreshAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, node := range r.Nodes() {
		wg.Add(1)
		go func(node *Node) {
			defer wg.Done()
			r.HealthCheck(ctx, node)
		}(node)
	}
	wg.Wait()
}

// Start launches the background probe loop. It stops when ctx is cancelled.
func (r *Router) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.config.ProbeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.RefreshAll(ctx)
			}
		}
	}()
}

// Delete removes a stored object from the node, best-effort. Failures are
// logged and swallowed: deletion is advisory cleanup, never a hard failure.
func (r *Router) Delete(ctx context.Context, node *Node, path string) bool {
	if err := node.Transport.Delete(ctx, path); err != nil {
		r.logger.Warnf("Failed to delete %s from node %s: %s", path, node.ID, err)
		return false
	}
	return true
}

// Describe returns a loggable one-line summary of a node.
func (r *Router) Describe(node *Node) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	capacity := "unconstrained"
	if node.Capacity > 0 {
		capacity = fmt.Sprintf("%s free of %s",
			units.HumanSizeWithPrecision(float64(node.Free()), 3),
			units.HumanSizeWithPrecision(float64(node.Capacity), 3))
	}
	return fmt.Sprintf("%s (priority %d, %s, %s)", node.ID, node.Priority, node.Status, capacity)
}

func (r *Router) setStatus(node *Node, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node.Status = status
}
