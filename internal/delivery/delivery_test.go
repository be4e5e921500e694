package delivery

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"capsmith/internal/breaker"
	"capsmith/internal/capsule"
	"capsmith/internal/executor"
	"capsmith/internal/governor"
	"capsmith/internal/graph"
	"capsmith/internal/store"
	"capsmith/internal/vcs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVCS is an in-memory VCS target. Pushes are idempotent per key, and
// failPushes/failCreates make the next N attempts return 500.
type fakeVCS struct {
	mu          sync.Mutex
	repos       map[string]*vcs.Repo // by name
	commits     map[string]string    // idempotency key -> sha
	pushCount   int
	createCount int
	failPushes  int
	failCreates int
	deleted     []string
}

func newFakeVCS() *fakeVCS {
	return &fakeVCS{repos: make(map[string]*vcs.Repo), commits: make(map[string]string)}
}

func (f *fakeVCS) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name  string `json:"name"`
			Owner string `json:"owner"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		defer f.mu.Unlock()
		f.createCount++
		if f.failCreates > 0 {
			f.failCreates--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if _, exists := f.repos[req.Name]; exists {
			w.WriteHeader(http.StatusConflict)
			return
		}
		repo := &vcs.Repo{
			ID: "repo-" + req.Name, Name: req.Name, Owner: req.Owner,
			URL: "https://git.example.com/" + req.Owner + "/" + req.Name,
		}
		f.repos[req.Name] = repo
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(repo)
	})
	mux.HandleFunc("GET /repos", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		repo, ok := f.repos[r.URL.Query().Get("name")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(repo)
	})
	mux.HandleFunc("POST /repos/{id}/commits", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.pushCount++
		if f.failPushes > 0 {
			f.failPushes--
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		key := r.Header.Get("Idempotency-Key")
		sha, seen := f.commits[key]
		if !seen {
			sum := sha1.Sum([]byte(key))
			sha = hex.EncodeToString(sum[:])
			f.commits[key] = sha
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"commit_sha": sha})
	})
	mux.HandleFunc("DELETE /repos/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		id := r.PathValue("id")
		f.deleted = append(f.deleted, id)
		for name, repo := range f.repos {
			if repo.ID == id {
				delete(f.repos, name)
			}
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func testCapsule(t *testing.T, db *store.Store, requestID string) *capsule.Capsule {
	t.Helper()
	req := &graph.Request{
		ID: requestID, Tenant: "acme", Description: "sum service",
		Metadata: map[string]string{"repo_name": "Sum Service"},
	}
	g := graph.NewGraph()
	g.Add(&graph.Task{ID: "t-code", Ordinal: 1, Kind: graph.KindCode, Language: "python"})

	a := capsule.NewAssembler(db, "s3cret", nil)
	c, err := a.Assemble(context.Background(), req, g, map[string]*executor.TaskResult{
		"t-code": {
			State:      executor.StateValidated,
			Artifact:   executor.Artifact{"main.py": []byte("print('hi')\n")},
			Confidence: 0.9,
		},
	})
	require.NoError(t, err)
	require.NoError(t, a.Finalize(c))
	return c
}

func newDeliverer(t *testing.T, f *fakeVCS) (*Deliverer, *store.Store) {
	d, db, _ := newDelivererWithBreakers(t, f, breaker.Config{})
	return d, db
}

func newDelivererWithBreakers(t *testing.T, f *fakeVCS, bcfg breaker.Config) (*Deliverer, *store.Store, *breaker.Set) {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	db, err := store.New(filepath.Join(t.TempDir(), "delivery.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	gov, err := governor.New(governor.Config{
		Defaults: governor.Limits{RPS: 50, TPM: 1_000_000, Concurrent: 8},
	}, nil)
	require.NoError(t, err)
	breakers := breaker.NewSet(bcfg)
	return New(vcs.NewClient(vcs.Config{BaseURL: srv.URL, Token: "tok"}), db, gov, breakers), db, breakers
}

func TestDeliverHappyPath(t *testing.T) {
	f := newFakeVCS()
	d, db := newDeliverer(t, f)
	c := testCapsule(t, db, "r1")

	rcpt, err := d.Deliver(context.Background(), c, "acme")
	require.NoError(t, err)
	assert.Equal(t, "repo-sum-service", rcpt.RepoID)
	assert.NotEmpty(t, rcpt.CommitSHA)
	assert.True(t, rcpt.RepoCreated)
	assert.False(t, rcpt.Partial)
	assert.Equal(t, capsule.StateDelivered, c.State)

	rec, err := db.GetCapsule(c.ID, c.Version)
	require.NoError(t, err)
	assert.Equal(t, capsule.StateDelivered, rec.State)
	assert.NotEmpty(t, rec.Receipt)
}

func TestRedeliveryIsNoOp(t *testing.T) {
	f := newFakeVCS()
	d, db := newDeliverer(t, f)
	c := testCapsule(t, db, "r1")

	first, err := d.Deliver(context.Background(), c, "acme")
	require.NoError(t, err)
	pushes := f.pushCount

	again, err := d.Deliver(context.Background(), c, "acme")
	require.NoError(t, err)
	assert.Equal(t, first.CommitSHA, again.CommitSHA)
	assert.Equal(t, pushes, f.pushCount, "complete receipt short-circuits before any request")
}

func TestPartialFailureThenResume(t *testing.T) {
	f := newFakeVCS()
	f.failPushes = 1
	d, db := newDeliverer(t, f)
	c := testCapsule(t, db, "r1")

	rcpt, err := d.Deliver(context.Background(), c, "acme")
	require.Error(t, err)
	require.NotNil(t, rcpt)
	assert.True(t, rcpt.Partial)
	assert.Contains(t, f.deleted, "repo-sum-service", "freshly created repo rolled back")

	// The partial receipt is durable and does not block the retry.
	stored, err := d.LastReceipt(c.ID, c.Version)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.Partial)

	rcpt, err = d.Deliver(context.Background(), c, "acme")
	require.NoError(t, err)
	assert.False(t, rcpt.Partial)
	assert.NotEmpty(t, rcpt.CommitSHA)
}

func TestIdempotencyKeyDeduplicatesReplays(t *testing.T) {
	f := newFakeVCS()
	d, db := newDeliverer(t, f)
	c := testCapsule(t, db, "r1")

	first, err := d.Deliver(context.Background(), c, "acme")
	require.NoError(t, err)

	// Simulate a lost acknowledgement: wipe the receipt and redeliver.
	require.NoError(t, db.SetCapsuleState(c.ID, c.Version, capsule.StateFinalized, []byte(`{"capsule_id":"`+c.ID+`","version":1,"partial":true}`)))
	c.State = capsule.StateFinalized

	again, err := d.Deliver(context.Background(), c, "acme")
	require.NoError(t, err)
	assert.Equal(t, first.CommitSHA, again.CommitSHA, "same idempotency key, same commit")
	assert.Len(t, f.commits, 1)
}

func TestRepoNameConflictAdoptedForSameTenant(t *testing.T) {
	f := newFakeVCS()
	f.repos["sum-service"] = &vcs.Repo{
		ID: "repo-existing", Name: "sum-service", Owner: "acme",
		URL: "https://git.example.com/acme/sum-service",
	}
	d, db := newDeliverer(t, f)
	c := testCapsule(t, db, "r1")

	rcpt, err := d.Deliver(context.Background(), c, "acme")
	require.NoError(t, err)
	assert.Equal(t, "repo-existing", rcpt.RepoID)
	assert.False(t, rcpt.RepoCreated)
}

func TestRepoNameConflictSuffixedForOtherTenant(t *testing.T) {
	f := newFakeVCS()
	f.repos["sum-service"] = &vcs.Repo{ID: "repo-taken", Name: "sum-service", Owner: "rival"}
	d, db := newDeliverer(t, f)
	c := testCapsule(t, db, "r1")

	rcpt, err := d.Deliver(context.Background(), c, "acme")
	require.NoError(t, err)
	assert.Equal(t, "repo-sum-service-2", rcpt.RepoID)
	assert.True(t, rcpt.RepoCreated)
}

func TestBreakerOpensAfterRepeatedVCSFailures(t *testing.T) {
	f := newFakeVCS()
	f.failCreates = 10
	d, db, breakers := newDelivererWithBreakers(t, f, breaker.Config{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
	})
	c := testCapsule(t, db, "r1")

	for i := 0; i < 2; i++ {
		_, err := d.Deliver(context.Background(), c, "acme")
		require.Error(t, err)
	}
	assert.Equal(t, "open", breakers.State("vcs"))

	before := f.createCount
	_, err := d.Deliver(context.Background(), c, "acme")
	require.Error(t, err)
	assert.Equal(t, before, f.createCount, "open circuit rejects without reaching the target")
}

func TestDeliverRejectsDraft(t *testing.T) {
	f := newFakeVCS()
	d, _ := newDeliverer(t, f)
	_, err := d.Deliver(context.Background(), &capsule.Capsule{ID: "cap-x", State: capsule.StateDraft}, "acme")
	assert.Error(t, err)
	assert.Zero(t, f.pushCount)
}

func TestDeliveredFilesIncludeSidecars(t *testing.T) {
	db, err := store.New(filepath.Join(t.TempDir(), "files.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	c := testCapsule(t, db, "r1")

	files, err := deliveryFiles(c)
	require.NoError(t, err)
	assert.Contains(t, files, "src/main.py")
	assert.Contains(t, files, "capsule.json")
	assert.Contains(t, files, "report.json")
	var sidecar struct {
		Signature string `json:"signature"`
	}
	require.NoError(t, json.Unmarshal(files["capsule.json"], &sidecar))
	assert.Equal(t, c.Signature, sidecar.Signature)
}

func TestRepoNameSanitized(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Sum Service", "sum-service"},
		{"--Weird__Name!!", "weird__name"},
		{"", "cap-r9"},
	}
	for _, tc := range cases {
		c := &capsule.Capsule{ID: "cap-r9", Manifest: capsule.Manifest{Name: tc.in}}
		assert.Equal(t, tc.want, repoName(c), "input %q", tc.in)
	}
}
