package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/terrpan/runnerfleet/internal/runner"
)

// configureAndRun registers the agent with the token from the environment
// and replaces the shell with the agent.
const configureAndRun = `./config.sh --unattended --ephemeral --disableupdate ` +
	`--url "$RUNNER_URL" --token "$RUNNER_TOKEN" --name "$RUNNER_NAME" --labels "$RUNNER_LABELS" ` +
	`&& exec ./run.sh`

// RepoConfig configures a Repo coordinator.
type RepoConfig struct {
	// URL is the repository, e.g. https://github.com/org/repo.
	URL string

	// Token is a token allowed to administer the repository's runners.
	Token string

	// Labels are added to every runner on top of the requested ones.
	Labels []string

	// RunnerDir holds config.sh and run.sh inside the image.
	// Default: /home/runner
	RunnerDir string

	Logger *slog.Logger
}

// Repo registers ephemeral runners against a single repository using
// registration tokens.
type Repo struct {
	htmlURL   string
	apiBase   *url.URL
	token     string
	labels    []string
	runnerDir string
	client    *retryablehttp.Client
	logger    *slog.Logger
}

var _ Coordinator = (*Repo)(nil)

// NewRepo creates a Repo coordinator.  The REST base is api.github.com for
// github.com and <host>/api/v3 for GitHub Enterprise Server.
func NewRepo(cfg RepoConfig) (*Repo, error) {
	u, err := url.Parse(strings.TrimSuffix(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: repository url %q: %w", runner.ErrValidation, cfg.URL, err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if u.Host == "" || len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("%w: repository url %q must be <scheme>://<host>/<owner>/<repo>", runner.ErrValidation, cfg.URL)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("%w: repository token is required", runner.ErrValidation)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.RunnerDir == "" {
		cfg.RunnerDir = "/home/runner"
	}

	api := &url.URL{Scheme: u.Scheme, Host: "api.github.com"}
	if u.Host != "github.com" {
		api = &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/api/v3"}
	}

	logger := cfg.Logger.WithGroup("coordinator.repo")
	client := retryablehttp.NewClient()
	client.Logger = logger
	client.RetryMax = 3

	return &Repo{
		htmlURL:   u.String(),
		apiBase:   api.JoinPath("repos", parts[0], parts[1], "actions", "runners"),
		token:     cfg.Token,
		labels:    cfg.Labels,
		runnerDir: cfg.RunnerDir,
		client:    client,
		logger:    logger,
	}, nil
}

// RegisterRunner creates a repository registration token.
func (r *Repo) RegisterRunner(ctx context.Context, req TokenRequest) (Token, error) {
	var body struct {
		Token string `json:"token"`
	}
	if err := r.call(ctx, http.MethodPost, r.apiBase.JoinPath("registration-token"), http.StatusCreated, &body); err != nil {
		return Token{}, fmt.Errorf("registration token for %s: %w", req.Name, err)
	}
	if body.Token == "" {
		return Token{}, fmt.Errorf("registration token for %s: empty token in response", req.Name)
	}

	labels := slices.Concat(r.labels, req.Labels)
	slices.Sort(labels)
	return Token{Name: req.Name, Secret: body.Token, Labels: slices.Compact(labels)}, nil
}

// AwaitJob returns the command that configures the agent as an ephemeral
// runner and runs it.  The agent picks up exactly one job and exits.
func (r *Repo) AwaitJob(ctx context.Context, tok Token) (runner.Job, error) {
	if err := ctx.Err(); err != nil {
		return runner.Job{}, err
	}
	return runner.Job{
		ID:      tok.Name,
		Command: []string{"/bin/sh", "-c", configureAndRun},
		Env: map[string]string{
			"RUNNER_URL":    r.htmlURL,
			"RUNNER_TOKEN":  tok.Secret,
			"RUNNER_NAME":   tok.Name,
			"RUNNER_LABELS": strings.Join(tok.Labels, ","),
		},
		WorkDir: r.runnerDir,
	}, nil
}

// DeregisterRunner deletes every repository runner named tok.Name.
func (r *Repo) DeregisterRunner(ctx context.Context, tok Token) error {
	list := r.apiBase.JoinPath()
	list.RawQuery = url.Values{"name": {tok.Name}}.Encode()

	var body struct {
		Runners []struct {
			ID   int64  `json:"id"`
			Name string `json:"name"`
		} `json:"runners"`
	}
	if err := r.call(ctx, http.MethodGet, list, http.StatusOK, &body); err != nil {
		return fmt.Errorf("list runners named %s: %w", tok.Name, err)
	}

	for _, rn := range body.Runners {
		if rn.Name != tok.Name {
			continue
		}
		err := r.call(ctx, http.MethodDelete, r.apiBase.JoinPath(fmt.Sprint(rn.ID)), http.StatusNoContent, nil)
		if err != nil && !isStatus(err, http.StatusNotFound) {
			return fmt.Errorf("delete runner %s (%d): %w", tok.Name, rn.ID, err)
		}
		r.logger.Info("runner deregistered", slog.String("runner", tok.Name), slog.Int64("id", rn.ID))
	}
	return nil
}

type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

func isStatus(err error, code int) bool {
	var se *statusError
	return errors.As(err, &se) && se.Code == code
}

func (r *Repo) call(ctx context.Context, method string, u *url.URL, want int, out any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+r.token)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := r.client.Do(req)
	if err != nil {
		return runner.Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", u.Path, err)
	}
	return nil
}
