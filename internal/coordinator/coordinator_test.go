package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/actions/scaleset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/runnerfleet/internal/runner"
)

// ---------------------------------------------------------------------------
// Scaleset
// ---------------------------------------------------------------------------

type mockJitGenerator struct {
	mu    sync.Mutex
	names []string
	err   error
}

func (m *mockJitGenerator) GenerateJitRunnerConfig(
	_ context.Context,
	setting *scaleset.RunnerScaleSetJitRunnerSetting,
	_ int,
) (*scaleset.RunnerScaleSetJitRunnerConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	m.names = append(m.names, setting.Name)
	return &scaleset.RunnerScaleSetJitRunnerConfig{EncodedJITConfig: "jit-" + setting.Name}, nil
}

func TestScaleset_RegisterAndAwait(t *testing.T) {
	gen := &mockJitGenerator{}
	c := NewScaleset(ScalesetConfig{Client: gen, ScaleSetID: 7})

	tok, err := c.RegisterRunner(t.Context(), TokenRequest{Name: "runner-a"})
	require.NoError(t, err)
	assert.Equal(t, "jit-runner-a", tok.Secret)
	assert.Equal(t, []string{"runner-a"}, gen.names)

	job, err := c.AwaitJob(t.Context(), tok)
	require.NoError(t, err)
	assert.Equal(t, []string{"/home/runner/run.sh"}, job.Command)
	assert.Equal(t, "jit-runner-a", job.Env[JitConfigEnv])
	assert.Equal(t, "/home/runner", job.WorkDir)

	assert.NoError(t, c.DeregisterRunner(t.Context(), tok))
	assert.NoError(t, c.DeregisterRunner(t.Context(), tok), "deregistration is idempotent")
}

func TestScaleset_RegisterError(t *testing.T) {
	c := NewScaleset(ScalesetConfig{Client: &mockJitGenerator{err: errors.New("boom")}})
	_, err := c.RegisterRunner(t.Context(), TokenRequest{Name: "runner-a"})
	assert.ErrorContains(t, err, "boom")
}

func TestScaleset_AwaitCancelled(t *testing.T) {
	c := NewScaleset(ScalesetConfig{Client: &mockJitGenerator{}})
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := c.AwaitJob(ctx, Token{Name: "runner-a"})
	assert.ErrorIs(t, err, context.Canceled)
}

// ---------------------------------------------------------------------------
// Repo
// ---------------------------------------------------------------------------

type fakeGitHub struct {
	mu      sync.Mutex
	runners map[int64]string
	deleted []int64
	auth    []string
}

func (f *fakeGitHub) handler() http.Handler {
	mux := http.NewServeMux()
	const base = "/api/v3/repos/org/repo/actions/runners"

	mux.HandleFunc("POST "+base+"/registration-token", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"token": "REG", "expires_at": "2030-01-01T00:00:00Z"})
	})
	mux.HandleFunc("GET "+base, func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		type rn struct {
			ID   int64  `json:"id"`
			Name string `json:"name"`
		}
		var out []rn
		for id, name := range f.runners {
			if name == r.URL.Query().Get("name") {
				out = append(out, rn{ID: id, Name: name})
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"total_count": len(out), "runners": out})
	})
	mux.HandleFunc("DELETE "+base+"/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		for id := range f.runners {
			if r.PathValue("id") == jsonNumber(id) {
				delete(f.runners, id)
				f.deleted = append(f.deleted, id)
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		http.NotFound(w, r)
	})
	return mux
}

func jsonNumber(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func newRepo(t *testing.T, gh *fakeGitHub) *Repo {
	t.Helper()
	srv := httptest.NewServer(gh.handler())
	t.Cleanup(srv.Close)

	r, err := NewRepo(RepoConfig{URL: srv.URL + "/org/repo", Token: "pat", Labels: []string{"runnerfleet"}})
	require.NoError(t, err)
	return r
}

func TestRepo_RegisterAndAwait(t *testing.T) {
	gh := &fakeGitHub{runners: map[int64]string{}}
	r := newRepo(t, gh)

	tok, err := r.RegisterRunner(t.Context(), TokenRequest{Name: "runner-a", Labels: []string{"linux", "runnerfleet"}})
	require.NoError(t, err)
	assert.Equal(t, "REG", tok.Secret)
	assert.Equal(t, []string{"linux", "runnerfleet"}, tok.Labels)
	assert.Equal(t, []string{"Bearer pat"}, gh.auth)

	job, err := r.AwaitJob(t.Context(), tok)
	require.NoError(t, err)
	assert.Equal(t, "/bin/sh", job.Command[0])
	assert.Contains(t, job.Command[2], "--ephemeral")
	assert.Equal(t, "REG", job.Env["RUNNER_TOKEN"])
	assert.Equal(t, "runner-a", job.Env["RUNNER_NAME"])
	assert.Equal(t, "linux,runnerfleet", job.Env["RUNNER_LABELS"])
	assert.Equal(t, "/home/runner", job.WorkDir)
}

func TestRepo_Deregister(t *testing.T) {
	gh := &fakeGitHub{runners: map[int64]string{11: "runner-a", 12: "runner-b"}}
	r := newRepo(t, gh)

	require.NoError(t, r.DeregisterRunner(t.Context(), Token{Name: "runner-a"}))
	assert.Equal(t, []int64{11}, gh.deleted)

	require.NoError(t, r.DeregisterRunner(t.Context(), Token{Name: "runner-a"}), "already gone")
	assert.Equal(t, []int64{11}, gh.deleted)
}

func TestNewRepo_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  RepoConfig
	}{
		{"missing repo", RepoConfig{URL: "https://github.com/org", Token: "x"}},
		{"no host", RepoConfig{URL: "/org/repo", Token: "x"}},
		{"no token", RepoConfig{URL: "https://github.com/org/repo"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRepo(tt.cfg)
			assert.ErrorIs(t, err, runner.ErrValidation)
		})
	}
}

func TestNewRepo_APIBase(t *testing.T) {
	r, err := NewRepo(RepoConfig{URL: "https://github.com/org/repo/", Token: "x"})
	require.NoError(t, err)
	assert.Equal(t, "https://api.github.com/repos/org/repo/actions/runners", r.apiBase.String())

	r, err = NewRepo(RepoConfig{URL: "https://ghe.example.com/org/repo", Token: "x"})
	require.NoError(t, err)
	assert.Equal(t, "https://ghe.example.com/api/v3/repos/org/repo/actions/runners", r.apiBase.String())
}
