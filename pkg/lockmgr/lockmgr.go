// Package lockmgr arbitrates exclusive access to named resources across
// agents. Holder and waiter records live under a single mutex, the same
// discipline the teacher's kernel.InMemoryScheduler uses for its run queue;
// the wait-for graph itself is never persisted — it is rebuilt from those
// records on demand, in the node/edge-slice shape of kernel.DependencyGraph,
// each time a cycle check runs.
package lockmgr

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mindburn-labs/loom/pkg/errs"
	"github.com/mindburn-labs/loom/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

type holderRecord struct {
	Agent      string
	AcquiredAt time.Time
}

type waiter struct {
	Agent       string
	Resource    string
	RequestedAt time.Time
	grant       chan error
}

// LockManager grants exclusive holds on named resources to agents, queues
// contenders FIFO, and periodically breaks any wait-for cycle it finds by
// aborting one participant.
type LockManager struct {
	mu      sync.Mutex
	log     *slog.Logger
	holders map[string]holderRecord   // resource -> current holder
	waiters map[string][]*waiter      // resource -> FIFO queue of contenders

	// onVictim is invoked, outside the manager's lock, for every agent
	// chosen to break a cycle. It is set only through WithVictimHandler;
	// agentrt.New does not register one, so without it a victim's only
	// signal is the errs.ErrDeadlock its pending Acquire returns.
	onVictim func(agent, reason string)

	telemetry *telemetry.Provider
}

// Option configures a LockManager at construction.
type Option func(*LockManager)

// WithLogger overrides the default slog.Default()-derived logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *LockManager) { m.log = l }
}

// WithVictimHandler registers the callback invoked whenever deadlock
// resolution aborts an agent.
func WithVictimHandler(fn func(agent, reason string)) Option {
	return func(m *LockManager) { m.onVictim = fn }
}

// WithTelemetry attaches an OpenTelemetry provider; Acquire calls are then
// recorded against the provider's RED metrics and tracing. Victim
// selection is not recorded separately. Omitting this option leaves those
// calls as no-ops.
func WithTelemetry(p *telemetry.Provider) Option {
	return func(m *LockManager) { m.telemetry = p }
}

// New constructs an empty LockManager.
func New(opts ...Option) *LockManager {
	m := &LockManager{
		log:     slog.Default().With("component", "lockmgr"),
		holders: make(map[string]holderRecord),
		waiters: make(map[string][]*waiter),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire grants agent exclusive use of resource, blocking if it is already
// held. A blocked caller is enqueued FIFO behind any earlier contenders and
// is woken, in order, as the resource is released. Acquire triggers an
// immediate cycle check on every enqueue so a deadlock it just created is
// resolved without waiting for the next periodic poll.
//
// A double acquire by the current holder is a lock protocol violation and
// is rejected rather than silently re-granted or queued.
func (m *LockManager) Acquire(ctx context.Context, agent, resource string) (acquireErr error) {
	ctx, done := m.telemetry.TrackOperation(ctx, "lockmgr.Acquire",
		attribute.String("agent", agent), attribute.String("resource", resource))
	defer func() { done(acquireErr) }()

	m.mu.Lock()
	if h, ok := m.holders[resource]; ok {
		if h.Agent == agent {
			m.mu.Unlock()
			return fmt.Errorf("lockmgr: %s: %w", agent, errs.ErrAlreadyHeld)
		}

		w := &waiter{Agent: agent, Resource: resource, RequestedAt: time.Now(), grant: make(chan error, 1)}
		m.waiters[resource] = append(m.waiters[resource], w)
		m.mu.Unlock()

		m.PollDeadlocks()

		select {
		case err := <-w.grant:
			return err
		case <-ctx.Done():
			m.mu.Lock()
			m.removeWaiterLocked(resource, w)
			m.mu.Unlock()
			return ctx.Err()
		}
	}

	m.holders[resource] = holderRecord{Agent: agent, AcquiredAt: time.Now()}
	m.mu.Unlock()
	return nil
}

// Release gives up agent's hold on resource and grants it to the next
// queued waiter, if any. Releasing a resource the caller does not hold is
// rejected.
func (m *LockManager) Release(agent, resource string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.holders[resource]
	if !ok || h.Agent != agent {
		return fmt.Errorf("lockmgr: %s does not hold %s: %w", agent, resource, errs.ErrNotHeld)
	}
	delete(m.holders, resource)
	m.grantNextLocked(resource)
	return nil
}

// ReleaseAll gives up every resource currently held by agent — the path
// the agent runtime drives on termination so locks don't outlive their
// owner.
func (m *LockManager) ReleaseAll(agent string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for resource, h := range m.holders {
		if h.Agent == agent {
			delete(m.holders, resource)
			m.grantNextLocked(resource)
		}
	}
}

// grantNextLocked pops the head of resource's waiter queue, if any, and
// grants it the resource. Caller must hold m.mu.
func (m *LockManager) grantNextLocked(resource string) {
	q := m.waiters[resource]
	if len(q) == 0 {
		return
	}
	next := q[0]
	m.waiters[resource] = q[1:]
	m.holders[resource] = holderRecord{Agent: next.Agent, AcquiredAt: time.Now()}
	next.grant <- nil
}

// removeWaiterLocked drops target from resource's queue without granting
// it — used when a caller abandons its wait via context cancellation.
// Caller must hold m.mu.
func (m *LockManager) removeWaiterLocked(resource string, target *waiter) {
	q := m.waiters[resource]
	for i, w := range q {
		if w == target {
			m.waiters[resource] = append(q[:i:i], q[i+1:]...)
			return
		}
	}
}

// PollDeadlocks rebuilds the wait-for graph from the current holder/waiter
// records, finds every wait-for cycle, and breaks each one by aborting a
// single victim agent — releasing its held resources and failing its
// pending acquire with errs.ErrDeadlock. It returns the names of the agents
// aborted, one per broken cycle. Safe to call on a timer or inline after an
// enqueue; redundant calls with nothing to resolve are cheap no-ops.
func (m *LockManager) PollDeadlocks() []string {
	m.mu.Lock()

	graph, latestWait := m.buildWaitForGraphLocked()
	cycles := findCycles(graph)

	var victims []string
	for _, cycle := range cycles {
		victim := selectVictim(cycle, latestWait)
		victims = append(victims, victim)
		m.abortAgentLocked(victim)
	}

	m.mu.Unlock()

	if m.onVictim != nil {
		for _, v := range victims {
			go m.onVictim(v, "deadlock cycle detected")
		}
	}
	return victims
}

// buildWaitForGraphLocked derives, from the current records, an edge A->B
// meaning "agent A is waiting for a resource currently held by agent B" —
// the same node/edge-slice representation kernel.DependencyGraph uses for
// reducer dependencies, adapted here to holder/waiter semantics. It also
// returns, for each agent with a pending wait, the timestamp of its most
// recent enqueue (an agent may be waiting on only one resource at a time in
// practice, but the map tolerates more).
func (m *LockManager) buildWaitForGraphLocked() (map[string]map[string]bool, map[string]time.Time) {
	graph := make(map[string]map[string]bool)
	latestWait := make(map[string]time.Time)

	for resource, queue := range m.waiters {
		holder, held := m.holders[resource]
		if !held {
			continue
		}
		for _, w := range queue {
			if graph[w.Agent] == nil {
				graph[w.Agent] = make(map[string]bool)
			}
			graph[w.Agent][holder.Agent] = true
			if w.RequestedAt.After(latestWait[w.Agent]) {
				latestWait[w.Agent] = w.RequestedAt
			}
		}
	}
	return graph, latestWait
}

// findCycles runs DFS from every node, tracking the current recursion
// path, and reports each distinct cycle found as the slice of agents in it.
// Nodes already consumed by an earlier cycle are skipped so overlapping
// cycles aren't double-reported in the same pass.
func findCycles(graph map[string]map[string]bool) [][]string {
	visited := make(map[string]bool)
	var cycles [][]string

	nodes := make([]string, 0, len(graph))
	for n := range graph {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	for _, start := range nodes {
		if visited[start] {
			continue
		}
		path := []string{}
		onPath := make(map[string]int)
		var walk func(node string) []string
		walk = func(node string) []string {
			if idx, ok := onPath[node]; ok {
				return path[idx:]
			}
			if visited[node] {
				return nil
			}
			onPath[node] = len(path)
			path = append(path, node)

			neighbors := make([]string, 0, len(graph[node]))
			for n := range graph[node] {
				neighbors = append(neighbors, n)
			}
			sort.Strings(neighbors)
			for _, next := range neighbors {
				if cycle := walk(next); cycle != nil {
					return cycle
				}
			}

			path = path[:len(path)-1]
			delete(onPath, node)
			visited[node] = true
			return nil
		}

		if cycle := walk(start); cycle != nil {
			cycles = append(cycles, cycle)
			for _, n := range cycle {
				visited[n] = true
			}
		}
	}
	return cycles
}

// selectVictim picks the agent in cycle whose wait is the most recent —
// the contender least invested in forward progress — breaking ties by the
// lexicographically greatest name, the same determinism convention
// kernel.DependencyGraph applies via sort.Strings.
func selectVictim(cycle []string, latestWait map[string]time.Time) string {
	victim := cycle[0]
	for _, agent := range cycle[1:] {
		wt, vt := latestWait[agent], latestWait[victim]
		if wt.After(vt) || (wt.Equal(vt) && agent > victim) {
			victim = agent
		}
	}
	return victim
}

// abortAgentLocked releases every resource victim holds and fails its
// pending waiter entries with errs.ErrDeadlock. Caller must hold m.mu.
func (m *LockManager) abortAgentLocked(victim string) {
	for resource, h := range m.holders {
		if h.Agent == victim {
			delete(m.holders, resource)
			m.grantNextLocked(resource)
		}
	}
	for resource, queue := range m.waiters {
		kept := queue[:0:0]
		for _, w := range queue {
			if w.Agent == victim {
				w.grant <- fmt.Errorf("lockmgr: %s: %w", victim, errs.ErrDeadlock)
				continue
			}
			kept = append(kept, w)
		}
		m.waiters[resource] = kept
	}
}

// StartDeadlockDetector runs PollDeadlocks on a fixed period until ctx is
// cancelled, in the same background-ticker shape as sentinel's wall-time
// watchdog.
func (m *LockManager) StartDeadlockDetector(ctx context.Context, period time.Duration) {
	if period <= 0 {
		period = 200 * time.Millisecond
	}
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.PollDeadlocks()
			}
		}
	}()
}

// ResourceState is a point-in-time view of one resource's holder and
// waiter queue, used by the session snapshotter.
type ResourceState struct {
	Resource string   `json:"resource" yaml:"resource"`
	Holder   string   `json:"holder,omitempty" yaml:"holder,omitempty"`
	Waiters  []string `json:"waiters,omitempty" yaml:"waiters,omitempty"`
}

// Snapshot returns the current holder and FIFO waiter list for every
// resource with any recorded activity, sorted by resource name for
// deterministic serialization.
func (m *LockManager) Snapshot() []ResourceState {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make(map[string]bool)
	for r := range m.holders {
		names[r] = true
	}
	for r := range m.waiters {
		names[r] = true
	}
	sorted := make([]string, 0, len(names))
	for r := range names {
		sorted = append(sorted, r)
	}
	sort.Strings(sorted)

	out := make([]ResourceState, 0, len(sorted))
	for _, r := range sorted {
		st := ResourceState{Resource: r}
		if h, ok := m.holders[r]; ok {
			st.Holder = h.Agent
		}
		for _, w := range m.waiters[r] {
			st.Waiters = append(st.Waiters, w.Agent)
		}
		out = append(out, st)
	}
	return out
}
