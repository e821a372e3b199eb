// Package webhook receives GitHub workflow_job deliveries and turns queued
// jobs into runner requests.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/runnerfleet/internal/fleet"
	"github.com/terrpan/runnerfleet/internal/runner"
)

// Path is where GitHub delivers hooks.
const Path = "/_github/hook"

const (
	signatureHeader = "X-Hub-Signature-256"
	eventHeader     = "X-GitHub-Event"
	deliveryHeader  = "X-GitHub-Delivery"
	signaturePrefix = "sha256="

	maxPayload = 5 << 20
)

// Fleet is the subset of *fleet.Orchestrator the webhook uses.
type Fleet interface {
	RequestRunner(ctx context.Context, kind runner.Kind, image runner.ImageRef, caps runner.CapabilitySet, opts ...fleet.RequestOption) (string, error)
}

// Route maps a job label to the runner that serves it.
type Route struct {
	Label        string
	Kind         runner.Kind
	Image        runner.ImageRef
	Capabilities runner.CapabilitySet
}

// Config configures a Handler.
type Config struct {
	// Secret is the hook secret shared with GitHub.  Required.
	Secret string

	// Repositories restricts intake to "owner/repo" names.  Empty accepts
	// any repository the hook is installed on.
	Repositories []string

	// Routes are matched in order against the job's labels; the first
	// route whose label the job carries wins.
	Routes []Route

	Fleet  Fleet
	Logger *slog.Logger
}

// Handler is an http.Handler for GitHub hook deliveries.
type Handler struct {
	secret []byte
	repos  []string
	routes []Route
	fleet  Fleet
	logger *slog.Logger

	tracer    trace.Tracer
	delivered metric.Int64Counter
}

var _ http.Handler = (*Handler)(nil)

// New creates a Handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("%w: webhook secret is required", runner.ErrValidation)
	}
	if cfg.Fleet == nil {
		return nil, fmt.Errorf("%w: webhook needs a fleet", runner.ErrValidation)
	}
	if len(cfg.Routes) == 0 {
		return nil, fmt.Errorf("%w: webhook needs at least one route", runner.ErrValidation)
	}
	for _, r := range cfg.Routes {
		if r.Label == "" {
			return nil, fmt.Errorf("%w: webhook route without label", runner.ErrValidation)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	h := &Handler{
		secret: []byte(cfg.Secret),
		repos:  cfg.Repositories,
		routes: cfg.Routes,
		fleet:  cfg.Fleet,
		logger: cfg.Logger.WithGroup("webhook"),
		tracer: otel.Tracer("runnerfleet/webhook"),
	}

	var err error
	h.delivered, err = otel.Meter("runnerfleet/webhook").Int64Counter(
		"runnerfleet.webhook.deliveries",
		metric.WithDescription("Hook deliveries by event and result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		h.logger.Warn("failed to create deliveries counter", slog.String("error", err.Error()))
	}
	return h, nil
}

// Register mounts the handler on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST "+Path, h)
}

type workflowJobEvent struct {
	Action      string `json:"action"`
	WorkflowJob struct {
		ID         int64    `json:"id"`
		RunID      int64    `json:"run_id"`
		Name       string   `json:"name"`
		Status     string   `json:"status"`
		Labels     []string `json:"labels"`
		RunnerName string   `json:"runner_name"`
	} `json:"workflow_job"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "webhook.Deliver")
	defer span.End()

	event := r.Header.Get(eventHeader)
	logger := h.logger.With(
		slog.String("event", event),
		slog.String("delivery", r.Header.Get(deliveryHeader)),
	)
	span.SetAttributes(attribute.String("github.event", event))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayload))
	if err != nil {
		h.reply(ctx, w, event, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	if err := h.verify(r.Header.Get(signatureHeader), body); err != nil {
		logger.Warn("rejected delivery", slog.String("error", err.Error()))
		span.SetStatus(codes.Error, "bad signature")
		h.reply(ctx, w, event, http.StatusUnauthorized, "bad signature")
		return
	}

	switch event {
	case "ping":
		h.reply(ctx, w, event, http.StatusOK, "pong")
		return
	case "workflow_job":
	default:
		h.reply(ctx, w, event, http.StatusOK, "ignored")
		return
	}

	var ev workflowJobEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		logger.Warn("malformed workflow_job payload", slog.String("error", err.Error()))
		h.reply(ctx, w, event, http.StatusBadRequest, "malformed payload")
		return
	}

	logger = logger.With(
		slog.String("repo", ev.Repository.FullName),
		slog.Int64("job", ev.WorkflowJob.ID),
		slog.String("action", ev.Action),
	)
	span.SetAttributes(
		attribute.String("github.repository", ev.Repository.FullName),
		attribute.Int64("github.job_id", ev.WorkflowJob.ID),
		attribute.String("github.action", ev.Action),
	)

	if ev.Action != "queued" {
		// Runners end their own lifecycle when the agent exits, so
		// in_progress and completed are informational only.
		logger.Debug("workflow job update", slog.String("runner", ev.WorkflowJob.RunnerName))
		h.reply(ctx, w, event, http.StatusOK, "ok")
		return
	}
	if len(h.repos) > 0 && !slices.Contains(h.repos, ev.Repository.FullName) {
		logger.Info("job from unmanaged repository")
		h.reply(ctx, w, event, http.StatusOK, "unmanaged repository")
		return
	}
	route, ok := h.match(ev.WorkflowJob.Labels)
	if !ok {
		logger.Info("no route for job labels", slog.String("labels", strings.Join(ev.WorkflowJob.Labels, ",")))
		h.reply(ctx, w, event, http.StatusOK, "no matching route")
		return
	}

	id, err := h.fleet.RequestRunner(ctx, route.Kind, route.Image, route.Capabilities, fleet.WithLabels(route.Label))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request rejected")
		logger.Error("cannot start runner for job",
			slog.String("label", route.Label),
			slog.String("error", err.Error()),
		)
		status := http.StatusOK
		if errors.Is(err, runner.ErrResourceExhausted) || errors.Is(err, runner.ErrNotReady) {
			status = http.StatusServiceUnavailable
		}
		h.reply(ctx, w, event, status, err.Error())
		return
	}

	logger.Info("runner requested for job", slog.String("runner", id), slog.String("label", route.Label))
	h.reply(ctx, w, event, http.StatusAccepted, id)
}

// verify checks the sha256 HMAC GitHub computes over the raw body.
func (h *Handler) verify(header string, body []byte) error {
	hexSig, ok := strings.CutPrefix(header, signaturePrefix)
	if !ok {
		return errors.New("missing sha256 signature")
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil || len(got) != sha256.Size {
		return errors.New("malformed signature")
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return errors.New("signature mismatch")
	}
	return nil
}

func (h *Handler) match(labels []string) (Route, bool) {
	for _, r := range h.routes {
		if slices.Contains(labels, r.Label) {
			return r, true
		}
	}
	return Route{}, false
}

func (h *Handler) reply(ctx context.Context, w http.ResponseWriter, event string, status int, msg string) {
	if h.delivered != nil {
		h.delivered.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event", event),
			attribute.Int("status", status),
		))
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg+"\n")
}

// Sign returns the X-Hub-Signature-256 value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
