package batching

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/Cray-HPE/cfs-batcher/internal/cfsclient"
	"github.com/Cray-HPE/cfs-batcher/internal/options"
	"github.com/Cray-HPE/cfs-batcher/pkg/metrics"
)

// RecentSessionsSize is the capacity of the adaptive-backoff outcome ring.
const RecentSessionsSize = 20

// StartingBackoff is the first nonzero backoff window once the ring trips.
const StartingBackoff = 60 * time.Second

// Manager is the scheduler: owns all batches keyed by compatibility, admits
// new pending components, ticks each batch for dispatch, polls sessions for
// completion, reconciles components post-session, and runs the adaptive
// backoff. It is single-threaded cooperative — it is only ever touched from
// the driver's tick goroutine, so it holds no internal locking.
type Manager struct {
	client        *cfsclient.Client
	sessionPrefix string
	logger        *slog.Logger
	metrics       *metrics.BatcherMetrics

	batches          map[string][]*Batch
	activeComponents map[string]struct{}

	recentSessions []bool
	currentBackoff time.Duration
	backoffStart   time.Time
}

// New constructs a Manager and rebuilds its in-flight state from live CFS
// sessions, per §4.5. It blocks, retrying once per second, until CFS
// becomes reachable; it never returns an error for a down CFS, only for a
// canceled context.
func New(ctx context.Context, client *cfsclient.Client, sessionPrefix string, logger *slog.Logger, m *metrics.BatcherMetrics) (*Manager, error) {
	mgr := &Manager{
		client:           client,
		sessionPrefix:    sessionPrefix,
		logger:           logger,
		metrics:          m,
		batches:          make(map[string][]*Batch),
		activeComponents: make(map[string]struct{}),
		recentSessions:   seedRecentSessions(),
	}

	if err := mgr.rebuildState(ctx); err != nil {
		return nil, err
	}
	return mgr, nil
}

func seedRecentSessions() []bool {
	ring := make([]bool, RecentSessionsSize)
	for i := range ring {
		ring[i] = true
	}
	return ring
}

// rebuildState reconstructs in-flight batches from live CFS sessions whose
// name carries the agent's prefix and whose status is not yet complete.
func (m *Manager) rebuildState(ctx context.Context) error {
	var sessions []cfsclient.SessionDocument
	for {
		s, err := m.client.ListSessions(ctx)
		if err == nil {
			sessions = s
			break
		}
		m.logger.WarnContext(ctx, "waiting for CFS to become available", slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}

	rebuilt := 0
	for i := range sessions {
		session := sessions[i]
		if !strings.HasPrefix(session.Name, m.sessionPrefix) {
			continue
		}
		if strings.ToLower(session.Status.Session.Status) == StatusComplete {
			continue
		}

		ids := splitCommaList(session.Ansible.Limit)
		members := make([]*Component, 0, len(ids))
		for _, id := range ids {
			doc, err := m.client.GetComponent(ctx, id)
			if err != nil {
				m.logger.WarnContext(ctx, "failed to fetch component while rebuilding batch",
					slog.String("session", session.Name), slog.String("component", id), slog.String("error", err.Error()))
				continue
			}
			members = append(members, NewComponent(*doc, false))
		}
		if len(members) == 0 {
			continue
		}

		batch := RebuildBatch(&session, members)
		m.batches[batch.BatchKey] = append(m.batches[batch.BatchKey], batch)
		for _, mem := range members {
			m.activeComponents[mem.ID] = struct{}{}
		}
		rebuilt++
	}

	m.logger.InfoContext(ctx, "rebuilt in-flight batches from CFS", slog.Int("count", rebuilt))
	return nil
}

func splitCommaList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Admit enumerates CFS components pending admission and files each
// not-already-active one into an existing or new Batch. batchSize comes
// from the live options snapshot, per §4.1.
func (m *Manager) Admit(ctx context.Context, snap options.Snapshot) error {
	docs, err := m.client.ListComponents(ctx, cfsclient.ListComponentsOptions{Enabled: boolPtr(true), Status: "pending"})
	if err != nil {
		return err
	}

	batchSize := snap.BatchSize()
	for _, doc := range docs {
		if _, active := m.activeComponents[doc.ID]; active {
			continue
		}
		component := NewComponent(doc, false)
		m.activeComponents[component.ID] = struct{}{}
		m.metrics.ComponentsAdmitted.Inc()

		admitted := false
		for _, batch := range m.batches[component.BatchKey] {
			if batch.TryAdd(component, batchSize) {
				admitted = true
				break
			}
		}
		if !admitted {
			m.batches[component.BatchKey] = append(m.batches[component.BatchKey], NewBatch(component))
		}
	}

	m.updateGauges()
	return nil
}

func boolPtr(b bool) *bool { return &b }

// Dispatch sends every eligible batch's session to CFS, unless the adaptive
// backoff is currently engaged.
func (m *Manager) Dispatch(ctx context.Context, snap options.Snapshot) error {
	if m.backoff() {
		return nil
	}

	for _, key := range m.sortedKeys() {
		for _, batch := range m.batches[key] {
			sent, err := batch.TrySend(ctx, m.client, m.sessionPrefix, snap.BatchSize(), snap.BatchWindow())
			if err != nil {
				m.logger.WarnContext(ctx, "failed to create session, will retry", slog.String("batchKey", key), slog.String("error", err.Error()))
				continue
			}
			if sent {
				m.metrics.SessionsCreated.Inc()
			}
		}
	}
	return nil
}

// CheckStatus polls every batch for session completion, reconciles and
// retires the ones that finished, and updates the adaptive backoff.
func (m *Manager) CheckStatus(ctx context.Context, snap options.Snapshot) error {
	completedAny := false

	for _, key := range m.sortedKeys() {
		remaining := m.batches[key][:0]
		for _, batch := range m.batches[key] {
			complete, success := batch.CheckComplete(ctx, m.client, snap.PendingTimeout(), m.logger)
			if !complete {
				remaining = append(remaining, batch)
				continue
			}

			completedAny = true
			m.pushSession(success)
			for id := range batch.Members {
				delete(m.activeComponents, id)
			}
			outcome := "complete"
			if !success {
				outcome = "failed"
			}
			m.metrics.SessionsComplete.WithLabelValues(outcome).Inc()
		}
		if len(remaining) == 0 {
			delete(m.batches, key)
		} else {
			m.batches[key] = remaining
		}
	}

	if completedAny {
		m.updateBackoff(snap.MaxBackoff())
	}

	m.updateGauges()
	return nil
}

func (m *Manager) sortedKeys() []string {
	keys := make([]string, 0, len(m.batches))
	for k := range m.batches {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// pushSession records a session's terminal outcome into the fixed-size ring.
func (m *Manager) pushSession(success bool) {
	m.recentSessions = append(m.recentSessions[1:], success)
}

// backoff reports whether the current backoff window is still in effect.
func (m *Manager) backoff() bool {
	return time.Since(m.backoffStart) < m.currentBackoff
}

// updateBackoff re-evaluates the adaptive backoff window after at least one
// batch completed this tick. A single success anywhere in the ring resets
// backoff to zero immediately; otherwise, once the current window has
// elapsed, the window doubles (or starts at StartingBackoff), capped at
// maxBackoff.
func (m *Manager) updateBackoff(maxBackoff time.Duration) {
	for _, ok := range m.recentSessions {
		if ok {
			if m.currentBackoff != 0 {
				m.logger.Info("resuming normal operations")
			}
			m.currentBackoff = 0
			return
		}
	}

	if time.Since(m.backoffStart) < m.currentBackoff {
		return
	}

	if m.currentBackoff == 0 {
		m.currentBackoff = minDuration(maxBackoff, StartingBackoff)
	} else {
		m.currentBackoff = minDuration(maxBackoff, m.currentBackoff*2)
	}
	m.backoffStart = time.Now()
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func (m *Manager) updateGauges() {
	batchCount := 0
	componentCount := 0
	for _, batches := range m.batches {
		batchCount += len(batches)
		for _, b := range batches {
			componentCount += len(b.Members)
		}
	}
	m.metrics.BatchesInFlight.Set(float64(batchCount))
	m.metrics.ComponentsInBatch.Set(float64(componentCount))
	m.metrics.BackoffSeconds.Set(m.currentBackoff.Seconds())
}
