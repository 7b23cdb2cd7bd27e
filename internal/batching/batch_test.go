package batching

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cray-HPE/cfs-batcher/internal/cfsclient"
)

func pendingComponent(id, configName string) *Component {
	doc := cfsclient.ComponentDocument{
		ID:          id,
		DesiredName: configName,
		DesiredState: []cfsclient.Layer{
			{Commit: "c1", Playbook: "site.yml", Status: "pending"},
		},
	}
	return NewComponent(doc, false)
}

func TestBatch_TryAdd_SingleHomeAndSizeBound(t *testing.T) {
	b := NewBatch(pendingComponent("n1", "cfgA"))
	assert.True(t, b.TryAdd(pendingComponent("n1", "cfgA"), 2), "re-adding an existing member is idempotent")
	assert.True(t, b.TryAdd(pendingComponent("n2", "cfgA"), 2))
	assert.False(t, b.TryAdd(pendingComponent("n3", "cfgA"), 2), "batch is at batchSize=2")
	assert.Len(t, b.Members, 2)
}

func TestBatch_TryAdd_ClosedAfterSend(t *testing.T) {
	b := NewBatch(pendingComponent("n1", "cfgA"))
	b.SessionName = "batcher-already-sent"
	assert.False(t, b.TryAdd(pendingComponent("n2", "cfgA"), 25))
	assert.True(t, b.TryAdd(pendingComponent("n1", "cfgA"), 25), "existing member still reports true")
}

func TestBatch_Overdue(t *testing.T) {
	b := NewBatch(pendingComponent("n1", "cfgA"))
	assert.False(t, b.Overdue(time.Minute))
	b.WindowStart = time.Now().Add(-2 * time.Minute)
	assert.True(t, b.Overdue(time.Minute))
}

// S1 — coalescing: a batch of 3 compatible components does not dispatch
// before batchWindow elapses, and dispatches with the full ansibleLimit once
// it does.
func TestBatch_TrySend_WaitsForWindowThenDispatchesAll(t *testing.T) {
	var gotBody cfsclient.CreateSessionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()
	client := testClientFor(t, server.URL)

	b := NewBatch(pendingComponent("n1", "cfgA"))
	b.TryAdd(pendingComponent("n2", "cfgA"), 25)
	b.TryAdd(pendingComponent("n3", "cfgA"), 25)

	sent, err := b.TrySend(context.Background(), client, "batcher-", 25, time.Minute)
	require.NoError(t, err)
	assert.False(t, sent, "not full (25) and not overdue yet")

	b.WindowStart = time.Now().Add(-2 * time.Minute)
	sent, err = b.TrySend(context.Background(), client, "batcher-", 25, time.Minute)
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, "n1,n2,n3", gotBody.AnsibleLimit)
	assert.True(t, strings.HasPrefix(b.SessionName, "batcher-"))
}

func TestBatch_TrySend_FullDispatchesImmediately(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()
	client := testClientFor(t, server.URL)

	b := NewBatch(pendingComponent("n1", "cfgA"))
	b.TryAdd(pendingComponent("n2", "cfgA"), 2)

	sent, err := b.TrySend(context.Background(), client, "batcher-", 2, time.Hour)
	require.NoError(t, err)
	assert.True(t, sent)
}

func TestBatch_TrySend_AlreadySentIsNoop(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("must not dispatch twice")
	}))
	defer server.Close()
	client := testClientFor(t, server.URL)

	b := NewBatch(pendingComponent("n1", "cfgA"))
	b.SessionName = "batcher-already"

	sent, err := b.TrySend(context.Background(), client, "batcher-", 1, 0)
	require.NoError(t, err)
	assert.False(t, sent)
}

func sessionStatusServer(t *testing.T, status, succeeded string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"name": "batcher-x",
			"status": map[string]any{
				"session": map[string]any{
					"status":    status,
					"succeeded": succeeded,
				},
			},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestBatch_Status_SucceededFalseOrUnknownIsFailed(t *testing.T) {
	for _, succeeded := range []string{"false", "unknown"} {
		server := sessionStatusServer(t, "complete", succeeded)
		client := testClientFor(t, server.URL)
		b := &Batch{SessionName: "batcher-x"}

		status, err := b.status(context.Background(), client)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, status, "succeeded=%q must be treated as failed", succeeded)
		server.Close()
	}
}

func TestBatch_Status_SucceededTrueIsComplete(t *testing.T) {
	server := sessionStatusServer(t, "complete", "true")
	defer server.Close()
	client := testClientFor(t, server.URL)
	b := &Batch{SessionName: "batcher-x"}

	status, err := b.status(context.Background(), client)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, status)
}

func TestBatch_Status_NoSessionNameIsNew(t *testing.T) {
	b := &Batch{}
	status, err := b.status(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, StatusNew, status)
}

func TestBatch_Status_404IsDeleted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()
	client := testClientFor(t, server.URL)
	b := &Batch{SessionName: "batcher-x"}

	status, err := b.status(context.Background(), client)
	require.NoError(t, err)
	assert.Equal(t, StatusDeleted, status)
}

// S2 — skipped writeback: a complete session whose member's fingerprint did
// not change gets a single "skipped" stateAppend.
func TestBatch_CheckComplete_SkippedWriteback(t *testing.T) {
	var patches []cfsclient.ComponentPatch
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions/batcher-x", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status": map[string]any{"session": map[string]any{"status": "complete", "succeeded": "true"}},
		})
	})
	mux.HandleFunc("/components", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"components": []cfsclient.ComponentDocument{
				{
					ID:           "n1",
					ConfigStatus: "pending",
					DesiredState: []cfsclient.Layer{{Commit: "c1", Playbook: "site.yml", Status: "pending"}},
				},
			},
		})
	})
	mux.HandleFunc("/components/n1", func(w http.ResponseWriter, r *http.Request) {
		var patch cfsclient.ComponentPatch
		json.NewDecoder(r.Body).Decode(&patch)
		patches = append(patches, patch)
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	client := testClientFor(t, server.URL)

	n1 := pendingComponent("n1", "cfgA")
	b := &Batch{Members: map[string]*Component{"n1": n1}, SessionName: "batcher-x"}

	complete, success := b.CheckComplete(context.Background(), client, time.Hour, testLogger())
	assert.True(t, complete)
	assert.True(t, success)
	require.Len(t, patches, 1)
	assert.Equal(t, "skipped", patches[0].StateAppend.Status)
	assert.Equal(t, "batcher-x", patches[0].StateAppend.SessionName)
}

// S3 — extrinsic failure: session fails, no Ansible-side failure detected
// (timestamp unchanged), so the first pending layer is marked "failed" and
// errorCount increments.
func TestBatch_CheckComplete_ExtrinsicFailure(t *testing.T) {
	var patches []cfsclient.ComponentPatch
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions/batcher-x", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status": map[string]any{"session": map[string]any{"status": "failed", "succeeded": "false"}},
		})
	})
	mux.HandleFunc("/components", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"components": []cfsclient.ComponentDocument{
				{
					ID:           "n1",
					ErrorCount:   2,
					ConfigStatus: "pending",
					DesiredState: []cfsclient.Layer{{Commit: "c1", Playbook: "site.yml", Status: "pending"}},
					State:        []cfsclient.StateEntry{{Commit: "c0", Status: "skipped", LastUpdated: "t0"}},
				},
			},
		})
	})
	mux.HandleFunc("/components/n1", func(w http.ResponseWriter, r *http.Request) {
		var patch cfsclient.ComponentPatch
		json.NewDecoder(r.Body).Decode(&patch)
		patches = append(patches, patch)
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	client := testClientFor(t, server.URL)

	n1 := pendingComponent("n1", "cfgA")
	n1.LatestTimestamp = "t0"
	b := &Batch{Members: map[string]*Component{"n1": n1}, SessionName: "batcher-x"}

	complete, success := b.CheckComplete(context.Background(), client, time.Hour, testLogger())
	assert.True(t, complete)
	assert.False(t, success)
	require.Len(t, patches, 1)
	assert.Equal(t, "failed", patches[0].StateAppend.Status)
	require.NotNil(t, patches[0].ErrorCount)
	assert.Equal(t, 3, *patches[0].ErrorCount)
}

// S6 — pending timeout: a batch stuck pending past pendingTimeout gets its
// session deleted and is reported complete/failed.
func TestBatch_CheckComplete_PendingTimeout(t *testing.T) {
	deleted := false
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions/batcher-x", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{
				"status": map[string]any{"session": map[string]any{"status": "pending", "succeeded": ""}},
			})
		case http.MethodDelete:
			deleted = true
			w.WriteHeader(http.StatusOK)
		}
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	client := testClientFor(t, server.URL)

	b := &Batch{
		Members:     map[string]*Component{"n1": pendingComponent("n1", "cfgA")},
		SessionName: "batcher-x",
		BatchStart:  time.Now().Add(-400 * time.Second),
	}

	complete, success := b.CheckComplete(context.Background(), client, 300*time.Second, testLogger())
	assert.True(t, complete)
	assert.False(t, success)
	assert.True(t, deleted)
}

func TestBatch_CheckComplete_NotYetPendingWithinTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions/batcher-x", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status": map[string]any{"session": map[string]any{"status": "pending", "succeeded": ""}},
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	client := testClientFor(t, server.URL)

	b := &Batch{
		Members:     map[string]*Component{"n1": pendingComponent("n1", "cfgA")},
		SessionName: "batcher-x",
		BatchStart:  time.Now(),
	}

	complete, success := b.CheckComplete(context.Background(), client, 300*time.Second, testLogger())
	assert.False(t, complete)
	assert.False(t, success)
}

// Fingerprint change mid-flight means reconciliation leaves the component
// untouched (the desired state has moved on since dispatch).
func TestBatch_Reconcile_FingerprintChangedSkipsWriteback(t *testing.T) {
	var patchCalled bool
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions/batcher-x", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status": map[string]any{"session": map[string]any{"status": "complete", "succeeded": "true"}},
		})
	})
	mux.HandleFunc("/components", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"components": []cfsclient.ComponentDocument{
				{
					ID:           "n1",
					ConfigStatus: "pending",
					DesiredState: []cfsclient.Layer{{Commit: "new-commit", Playbook: "site.yml", Status: "pending"}},
				},
			},
		})
	})
	mux.HandleFunc("/components/n1", func(w http.ResponseWriter, r *http.Request) {
		patchCalled = true
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	client := testClientFor(t, server.URL)

	n1 := pendingComponent("n1", "cfgA")
	b := &Batch{Members: map[string]*Component{"n1": n1}, SessionName: "batcher-x"}

	complete, success := b.CheckComplete(context.Background(), client, time.Hour, testLogger())
	assert.True(t, complete)
	assert.True(t, success)
	assert.False(t, patchCalled, "desired state changed mid-flight, must not be overwritten")
}
