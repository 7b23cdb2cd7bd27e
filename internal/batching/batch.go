package batching

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Cray-HPE/cfs-batcher/internal/cfsclient"
)

// Session status strings as reported by CFS, plus the two synthetic values
// the engine derives (new, deleted).
const (
	StatusNew      = "new"
	StatusPending  = "pending"
	StatusComplete = "complete"
	StatusFailed   = "failed"
	StatusDeleted  = "deleted"
)

// Batch is a set of compatible components sharing one desired configuration
// and one pending-layer selector, plus its dispatch timer and, once sent,
// its CFS session name.
type Batch struct {
	Members map[string]*Component

	ConfigName  string
	ConfigLimit string
	BatchKey    string

	SessionName string
	WindowStart time.Time
	BatchStart  time.Time
}

// NewBatch starts a Batch with first as its sole initial member.
func NewBatch(first *Component) *Batch {
	return &Batch{
		Members:     map[string]*Component{first.ID: first},
		ConfigName:  first.ConfigName,
		ConfigLimit: first.ConfigLimit,
		BatchKey:    first.BatchKey,
		WindowStart: time.Now(),
	}
}

// RebuildBatch reconstructs a Batch from a live CFS session found on
// startup. BatchStart is set to now since the pre-restart dispatch time is
// unknown — pending-timeout effectively restarts.
func RebuildBatch(session *cfsclient.SessionDocument, members []*Component) *Batch {
	b := &Batch{
		Members:     make(map[string]*Component, len(members)),
		ConfigName:  session.Configuration.Name,
		ConfigLimit: session.Configuration.Limit,
		SessionName: session.Name,
		BatchStart:  time.Now(),
	}
	for _, m := range members {
		b.Members[m.ID] = m
	}
	if len(members) > 0 {
		b.BatchKey = members[0].BatchKey
	}
	return b
}

// TryAdd admits component into the batch. Idempotent if already a member;
// refuses once the batch has a session or is already at capacity.
func (b *Batch) TryAdd(c *Component, batchSize int) bool {
	if _, ok := b.Members[c.ID]; ok {
		return true
	}
	if b.SessionName == "" && len(b.Members) < batchSize {
		b.Members[c.ID] = c
		return true
	}
	return false
}

// Full reports whether the batch has reached batchSize members.
func (b *Batch) Full(batchSize int) bool {
	return len(b.Members) >= batchSize
}

// Overdue reports whether the batch has been open longer than batchWindow.
func (b *Batch) Overdue(batchWindow time.Duration) bool {
	return time.Since(b.WindowStart) > batchWindow
}

// memberIDs returns the batch's member ids in sorted order, for a
// deterministic ansibleLimit.
func (b *Batch) memberIDs() []string {
	ids := make([]string, 0, len(b.Members))
	for id := range b.Members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// members returns the batch's member Components in the same order as
// memberIDs, for deterministic tag computation.
func (b *Batch) members() []*Component {
	ids := b.memberIDs()
	out := make([]*Component, len(ids))
	for i, id := range ids {
		out[i] = b.Members[id]
	}
	return out
}

// TrySend dispatches the batch to CFS if it is full or overdue. Returns
// whether a session was created.
func (b *Batch) TrySend(ctx context.Context, client *cfsclient.Client, sessionPrefix string, batchSize int, batchWindow time.Duration) (bool, error) {
	if b.SessionName != "" {
		return false, nil
	}
	if !b.Full(batchSize) && !b.Overdue(batchWindow) {
		return false, nil
	}

	ids := b.memberIDs()
	tags := commonTags(b.members())
	name := sessionPrefix + uuid.New().String()

	if err := client.CreateSession(ctx, name, b.ConfigName, b.ConfigLimit, strings.Join(ids, ","), tags); err != nil {
		return false, err
	}

	b.SessionName = name
	b.BatchStart = time.Now()
	return true, nil
}

// status determines the batch's current session status, per §4.3: no
// session name is "new"; a 404 on the session GET is "deleted"; a
// succeeded value of "false" or "unknown" is treated as "failed" even if
// CFS reports some other session status, since the ambiguous outcome must
// not be mistaken for success; otherwise the CFS-reported status, lowercased.
func (b *Batch) status(ctx context.Context, client *cfsclient.Client) (string, error) {
	if b.SessionName == "" {
		return StatusNew, nil
	}

	status, succeeded, err := client.GetSessionStatus(ctx, b.SessionName)
	if err != nil {
		var notFound *cfsclient.SessionNotFoundError
		if errors.As(err, &notFound) {
			return StatusDeleted, nil
		}
		return "", err
	}

	if succeeded == "false" || succeeded == "unknown" {
		return StatusFailed, nil
	}
	return strings.ToLower(status), nil
}

// CheckComplete polls the batch's session and, for terminal outcomes, runs
// reconciliation. Any transport failure encountered along the way is
// swallowed (logged) and reported as "not complete yet" so the batch is
// retried on the next tick rather than wedged.
func (b *Batch) CheckComplete(ctx context.Context, client *cfsclient.Client, pendingTimeout time.Duration, logger *slog.Logger) (complete, success bool) {
	status, err := b.status(ctx, client)
	if err != nil {
		logger.WarnContext(ctx, "session status check failed, will retry", slog.String("session", b.SessionName), slog.String("error", err.Error()))
		return false, false
	}

	switch status {
	case StatusComplete, StatusFailed:
		if err := b.reconcile(ctx, client, status, logger); err != nil {
			logger.WarnContext(ctx, "reconciliation failed, will retry", slog.String("session", b.SessionName), slog.String("error", err.Error()))
			return false, false
		}
		return true, status == StatusComplete

	case StatusDeleted:
		logger.WarnContext(ctx, "session no longer exists", slog.String("session", b.SessionName))
		return true, false

	case StatusPending:
		if time.Since(b.BatchStart) > pendingTimeout {
			if err := client.DeleteSession(ctx, b.SessionName); err != nil {
				logger.WarnContext(ctx, "failed to delete stuck-pending session, will retry", slog.String("session", b.SessionName), slog.String("error", err.Error()))
				return false, false
			}
			logger.WarnContext(ctx, "session exceeded pending timeout, deleted", slog.String("session", b.SessionName))
			return true, false
		}
		return false, false

	default:
		return false, false
	}
}

// reconcile reconciles component state after a session reaches complete or
// failed. It compares each still-pending member's pre-dispatch snapshot
// (held in b.Members) against a fresh read, and writes back skipped/failed
// markers per §4.3.
func (b *Batch) reconcile(ctx context.Context, client *cfsclient.Client, sessionStatus string, logger *slog.Logger) error {
	ids := b.memberIDs()
	if len(ids) == 0 {
		return nil
	}

	var ansibleFailure bool
	var candidates []cfsclient.ComponentDocument

	if sessionStatus == StatusFailed {
		all, err := client.ListComponents(ctx, cfsclient.ListComponentsOptions{IDs: ids})
		if err != nil {
			return err
		}
		ansibleFailure = b.checkAnsibleFailure(all)
		for _, doc := range all {
			if doc.ConfigStatus == "pending" {
				candidates = append(candidates, doc)
			}
		}
	} else {
		pending, err := client.ListComponents(ctx, cfsclient.ListComponentsOptions{Status: "pending", IDs: ids})
		if err != nil {
			return err
		}
		candidates = pending
	}

	for _, doc := range candidates {
		starting, ok := b.Members[doc.ID]
		if !ok {
			continue
		}
		current := NewComponent(doc, true)

		if starting.DesiredStateFingerprint != current.DesiredStateFingerprint {
			continue
		}

		switch {
		case sessionStatus == StatusComplete:
			if err := current.SetStatus(ctx, client, "skipped", b.SessionName, nil, true); err != nil {
				return err
			}
		case sessionStatus == StatusFailed && !ansibleFailure:
			if err := current.IncrementErrorCount(ctx, client, b.SessionName); err != nil {
				return err
			}
		default:
			// ansibleFailure: leave the component alone, it will be re-admitted
			// next tick once CFS reports it pending again.
		}
	}
	return nil
}

// checkAnsibleFailure determines whether a session failure is attributable
// to the playbook-execution engine: at least one current member reports a
// latest status of "failed" whose timestamp has advanced relative to its
// pre-dispatch snapshot.
func (b *Batch) checkAnsibleFailure(current []cfsclient.ComponentDocument) bool {
	for _, doc := range current {
		if len(doc.State) == 0 {
			continue
		}
		last := doc.State[len(doc.State)-1]
		if last.Status != "failed" {
			continue
		}
		starting, ok := b.Members[doc.ID]
		if !ok || starting.LatestTimestamp != last.LastUpdated {
			return true
		}
	}
	return false
}
