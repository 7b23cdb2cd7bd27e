// Package batching implements the batching and reconciliation engine:
// grouping pending components by compatibility key, admission control,
// dispatch timing, in-flight session tracking, post-session reconciliation,
// and adaptive failure backoff.
package batching

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/Cray-HPE/cfs-batcher/internal/cfsclient"
)

// Component is the in-memory projection of a CFS component used by the
// engine. It is never mutated in place; reconciliation always constructs a
// fresh projection from a new CFS read.
type Component struct {
	ID         string
	ErrorCount int
	Tags       map[string]string
	ConfigName string

	// DesiredState is retained only when the projection was constructed with
	// retainDesiredState=true; long-lived projections held by a Batch drop it
	// to bound memory, while reconciliation snapshots keep it so status
	// writebacks can target specific layers.
	DesiredState []cfsclient.Layer

	ConfigLimit             string
	LatestStatus            string
	LatestTimestamp         string
	DesiredStateFingerprint string
	BatchKey                string
}

// NewComponent builds a projection from a CFS component document.
// retainDesiredState controls whether the layer list survives on the
// returned value; derived fields (ConfigLimit, fingerprint, BatchKey) are
// always computed regardless.
func NewComponent(doc cfsclient.ComponentDocument, retainDesiredState bool) *Component {
	c := &Component{
		ID:         doc.ID,
		ErrorCount: doc.ErrorCount,
		Tags:       doc.Tags,
		ConfigName: doc.DesiredName,
	}

	pending := pendingIndices(doc.DesiredState)
	if len(pending) == len(doc.DesiredState) {
		c.ConfigLimit = ""
	} else {
		idx := make([]string, len(pending))
		for i, p := range pending {
			idx[i] = strconv.Itoa(p)
		}
		c.ConfigLimit = strings.Join(idx, ",")
	}

	if len(doc.State) > 0 {
		last := doc.State[len(doc.State)-1]
		c.LatestStatus = last.Status
		c.LatestTimestamp = last.LastUpdated
	}

	c.DesiredStateFingerprint = fingerprint(doc.DesiredState)
	c.BatchKey = c.ConfigName + ":" + c.ConfigLimit + ":" + c.LatestStatus

	if retainDesiredState {
		c.DesiredState = doc.DesiredState
	}

	return c
}

// pendingIndices returns the zero-based indices of layers whose status is
// "pending" or empty, in desired-state order.
func pendingIndices(layers []cfsclient.Layer) []int {
	var indices []int
	for i, l := range layers {
		if l.Status == "" || l.Status == "pending" {
			indices = append(indices, i)
		}
	}
	return indices
}

// fingerprint computes a deterministic digest over the ordered sequence of
// (commit, playbook) pairs for all desired-state layers. Two sequences that
// are elementwise equal on those fields produce the same fingerprint.
func fingerprint(layers []cfsclient.Layer) string {
	h := sha256.New()
	for _, l := range layers {
		h.Write([]byte(l.Commit))
		h.Write([]byte{0x1f})
		h.Write([]byte(l.Playbook))
		h.Write([]byte{0x1e})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SetStatus appends a terminal status marker to pending layers of the
// retained desired state. When allLayers is false only the first pending
// layer is written (used by IncrementErrorCount, which must not mark the
// remaining layers terminal). errorCount, if non-nil, is patched onto the
// component alongside the state append.
func (c *Component) SetStatus(ctx context.Context, client *cfsclient.Client, terminalStatus, sessionName string, errorCount *int, allLayers bool) error {
	pending := pendingIndices(c.DesiredState)
	if len(pending) == 0 {
		return nil
	}
	if !allLayers {
		pending = pending[:1]
	}

	for _, idx := range pending {
		layer := c.DesiredState[idx]
		patch := cfsclient.ComponentPatch{
			StateAppend: &cfsclient.StateAppend{
				CloneURL:    layer.CloneURL,
				Playbook:    layer.Playbook,
				Commit:      layer.Commit,
				Status:      terminalStatus,
				SessionName: sessionName,
			},
		}
		if errorCount != nil {
			patch.ErrorCount = errorCount
		}
		if err := client.PatchComponent(ctx, c.ID, patch); err != nil {
			return err
		}
	}
	return nil
}

// IncrementErrorCount appends a single "failed" marker to the first pending
// layer and bumps the error counter by one.
func (c *Component) IncrementErrorCount(ctx context.Context, client *cfsclient.Client, sessionName string) error {
	next := c.ErrorCount + 1
	return c.SetStatus(ctx, client, "failed", sessionName, &next, false)
}

// commonTags computes the intersection of member tag keys whose value
// agrees across every member; disagreeing or partial keys are dropped.
func commonTags(members []*Component) map[string]string {
	if len(members) == 0 {
		return map[string]string{}
	}

	var keys []string
	for k := range members[0].Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := map[string]string{}
	for _, k := range keys {
		value, ok := members[0].Tags[k]
		if !ok {
			continue
		}
		agree := true
		for _, m := range members[1:] {
			if _, present := m.Tags[k]; !present {
				agree = false
				break
			}
			if m.Tags[k] != value {
				agree = false
				break
			}
		}
		if agree {
			result[k] = value
		}
	}
	return result
}
