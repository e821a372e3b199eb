// Package gce implements engine.Driver using Google Compute Engine.  Each
// runner is one VM booted from a prepared runner image.
//
// The image must carry a small guest agent that reads the job from the
// instance metadata key "runnerfleet-job" (JSON), runs it, and publishes
// the exit code as the guest attribute "runnerfleet/exit-code".  The
// sandbox descriptor is handed to the agent through metadata as well;
// network egress is enforced by the driver through network tags that
// select project firewall rules.
//
// Authentication uses Application Default Credentials (ADC).  No
// credential fields exist in Config -- auth is handled by the
// environment (attached service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default login).
package gce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/googleapi"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/runnerfleet/internal/engine"
	"github.com/terrpan/runnerfleet/internal/runner"
)

// Metadata keys and guest attributes shared with the in-image agent.
const (
	MetadataJob       = "runnerfleet-job"
	MetadataSandbox   = "runnerfleet-sandbox"
	GuestAttrExitCode = "runnerfleet/exit-code"
	LabelRunner       = "runnerfleet-runner"

	// Network tags selecting the egress / deny-egress firewall rules.
	TagEgress   = "runnerfleet-egress"
	TagNoEgress = "runnerfleet-no-egress"
)

const (
	statusRunning       = "RUNNING"
	statusTerminated    = "TERMINATED"
	cloudPlatformScope  = "https://www.googleapis.com/auth/cloud-platform"
	guestAttributesFlag = "enable-guest-attributes"
	maxNameLength       = 63
)

// Config holds Compute Engine settings.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Zone is the GCP zone where runner VMs are created (required).
	Zone string

	// MachineType is the Compute Engine machine type.
	// Default: "e2-medium".
	MachineType string

	// DiskSizeGB is the boot disk size in GB.  Default: 50.
	DiskSizeGB int64

	// Network is the VPC network (optional).  Defaults to "default".
	Network string

	// Subnet is the subnetwork (optional).  If empty, the default subnet
	// for the zone is used.
	Subnet string

	// PublicIP gives runners granted network egress an external IP.
	PublicIP bool

	// ServiceAccount is the GCP service account email to attach to
	// runner VMs (optional).  If empty, the project's default compute
	// service account is used.
	ServiceAccount string

	// PollInterval paces instance status and guest attribute polling.
	PollInterval time.Duration

	// BootTimeout bounds how long Start waits for RUNNING.
	BootTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MachineType == "" {
		c.MachineType = "e2-medium"
	}
	if c.DiskSizeGB == 0 {
		c.DiskSizeGB = 50
	}
	if c.Network == "" {
		c.Network = "default"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BootTimeout <= 0 {
		c.BootTimeout = 5 * time.Minute
	}
}

// ---------------------------------------------------------------------------
// Client seams
// ---------------------------------------------------------------------------

// operationWaiter is satisfied by *compute.Operation.
type operationWaiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

// instancesAPI is the subset of *compute.InstancesClient the driver uses,
// with operations narrowed to operationWaiter.
type instancesAPI interface {
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error)
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error)
	Start(ctx context.Context, req *computepb.StartInstanceRequest) (operationWaiter, error)
	SetMetadata(ctx context.Context, req *computepb.SetMetadataInstanceRequest) (operationWaiter, error)
	Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error)
	GetGuestAttributes(ctx context.Context, req *computepb.GetGuestAttributesInstanceRequest) (*computepb.GuestAttributes, error)
	Close() error
}

type instancesClient struct {
	c *compute.InstancesClient
}

func (a instancesClient) Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	op, err := a.c.Insert(ctx, req)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (a instancesClient) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	op, err := a.c.Delete(ctx, req)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (a instancesClient) Start(ctx context.Context, req *computepb.StartInstanceRequest) (operationWaiter, error) {
	op, err := a.c.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (a instancesClient) SetMetadata(ctx context.Context, req *computepb.SetMetadataInstanceRequest) (operationWaiter, error) {
	op, err := a.c.SetMetadata(ctx, req)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (a instancesClient) Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error) {
	return a.c.Get(ctx, req)
}

func (a instancesClient) GetGuestAttributes(ctx context.Context, req *computepb.GetGuestAttributesInstanceRequest) (*computepb.GuestAttributes, error) {
	return a.c.GetGuestAttributes(ctx, req)
}

func (a instancesClient) Close() error { return a.c.Close() }

// ---------------------------------------------------------------------------
// Driver
// ---------------------------------------------------------------------------

// Driver manages runners as Compute Engine VMs.
type Driver struct {
	client instancesAPI
	images imagesAPI
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
}

// Compile-time check that Driver satisfies the engine.Driver interface.
var _ engine.Driver = (*Driver)(nil)

// New creates a Compute Engine driver using Application Default
// Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Driver, error) {
	if cfg.Project == "" || cfg.Zone == "" {
		return nil, errors.New("gce: project and zone are required")
	}

	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gce instances client: %w", err)
	}
	images, err := compute.NewImagesRESTClient(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("gce images client: %w", err)
	}

	d := newDriver(instancesClient{c: client}, imagesClient{c: images}, cfg, logger)
	d.logger.Info("gce driver initialized",
		slog.String("project", d.cfg.Project),
		slog.String("zone", d.cfg.Zone),
		slog.String("machine_type", d.cfg.MachineType),
	)
	return d, nil
}

func newDriver(client instancesAPI, images imagesAPI, cfg Config, logger *slog.Logger) *Driver {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Driver{
		client: client,
		images: images,
		cfg:    cfg,
		logger: logger.WithGroup("engine.gce"),
		tracer: otel.Tracer("runnerfleet/engine/gce"),
	}
}

// Kind implements engine.Driver.
func (d *Driver) Kind() runner.Kind { return runner.KindGCE }

// Create inserts the runner VM and waits for the insert operation.  The
// VM boots on insert; Start only waits for it to reach RUNNING.
func (d *Driver) Create(ctx context.Context, spec engine.CreateSpec) (runner.Handle, error) {
	ctx, span := d.tracer.Start(ctx, "gce.Create")
	defer span.End()

	span.SetAttributes(
		attribute.String("runner.name", spec.Name),
		attribute.String("gcp.project", d.cfg.Project),
		attribute.String("gcp.zone", d.cfg.Zone),
		attribute.String("gcp.machine_type", d.cfg.MachineType),
	)

	name := instanceName(spec.Name)
	instance, err := d.instance(name, spec)
	if err != nil {
		return runner.Handle{}, err
	}

	d.logger.Info("creating runner VM",
		slog.String("name", name),
		slog.String("machine_type", d.cfg.MachineType),
		slog.String("zone", d.cfg.Zone),
	)

	op, err := d.client.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          d.cfg.Project,
		Zone:             d.cfg.Zone,
		InstanceResource: instance,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return runner.Handle{}, classifyInsert(name, err)
	}

	span.AddEvent("waiting for GCP operation")
	if err := op.Wait(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert operation failed")
		// A failed insert operation may still leave a half-built
		// instance behind.
		if derr := d.Destroy(context.WithoutCancel(ctx), runner.Handle{Kind: runner.KindGCE, ID: name}); derr != nil {
			d.logger.Error("failed to clean up partially created VM",
				slog.String("name", name),
				slog.String("error", derr.Error()),
			)
		}
		return runner.Handle{}, classifyInsert(name, err)
	}

	d.logger.Info("runner VM created", slog.String("name", name))
	return runner.Handle{Kind: runner.KindGCE, ID: name}, nil
}

func (d *Driver) instance(name string, spec engine.CreateSpec) (*computepb.Instance, error) {
	sb := spec.Sandbox
	image := spec.Image.Locator
	if image == "" {
		return nil, fmt.Errorf("%w: image %s has no source image", runner.ErrProvision, spec.Image.Ref)
	}

	sandbox, err := json.Marshal(sandboxMetadata{
		ReadOnlyRootfs:   sb.ReadOnlyRootfs,
		NestedContainers: sb.NestedContainers,
		NoNewPrivileges:  sb.NoNewPrivileges,
		Capabilities:     sb.Granted.Strings(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode sandbox: %w", runner.ErrProvision, err)
	}

	disk := &computepb.AttachedDisk{
		AutoDelete: proto.Bool(true),
		Boot:       proto.Bool(true),
		InitializeParams: &computepb.AttachedDiskInitializeParams{
			SourceImage: proto.String(image),
			DiskSizeGb:  proto.Int64(d.cfg.DiskSizeGB),
			DiskType:    proto.String(fmt.Sprintf("zones/%s/diskTypes/pd-ssd", d.cfg.Zone)),
		},
	}

	nic := &computepb.NetworkInterface{
		Network: proto.String(fmt.Sprintf("global/networks/%s", d.cfg.Network)),
	}
	if d.cfg.Subnet != "" {
		nic.Subnetwork = proto.String(d.cfg.Subnet)
	}
	tag := TagNoEgress
	if sb.NetworkEgress {
		tag = TagEgress
		if d.cfg.PublicIP {
			nic.AccessConfigs = []*computepb.AccessConfig{
				{
					Name: proto.String("External NAT"),
					Type: proto.String("ONE_TO_ONE_NAT"),
				},
			}
		}
	}

	labels := make(map[string]string, len(spec.Labels)+1)
	for k, v := range spec.Labels {
		labels[labelValue(k)] = labelValue(v)
	}
	labels[LabelRunner] = labelValue(spec.Name)

	instance := &computepb.Instance{
		Name:              proto.String(name),
		MachineType:       proto.String(fmt.Sprintf("zones/%s/machineTypes/%s", d.cfg.Zone, d.cfg.MachineType)),
		Disks:             []*computepb.AttachedDisk{disk},
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
		Labels:            labels,
		Tags:              &computepb.Tags{Items: []string{tag}},
		Metadata: &computepb.Metadata{
			Items: []*computepb.Items{
				{Key: proto.String(guestAttributesFlag), Value: proto.String("TRUE")},
				{Key: proto.String(MetadataSandbox), Value: proto.String(string(sandbox))},
			},
		},
	}
	if slices.Contains(sb.Devices, "/dev/kvm") {
		instance.AdvancedMachineFeatures = &computepb.AdvancedMachineFeatures{
			EnableNestedVirtualization: proto.Bool(true),
		}
	}
	if d.cfg.ServiceAccount != "" {
		instance.ServiceAccounts = []*computepb.ServiceAccount{
			{
				Email:  proto.String(d.cfg.ServiceAccount),
				Scopes: []string{cloudPlatformScope},
			},
		}
	}
	return instance, nil
}

// Start waits for the VM to reach RUNNING, starting it if it was
// stopped.
func (d *Driver) Start(ctx context.Context, h runner.Handle) error {
	ctx, span := d.tracer.Start(ctx, "gce.Start",
		trace.WithAttributes(attribute.String("gcp.instance_name", h.ID)),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, d.cfg.BootTimeout)
	defer cancel()

	started := false
	for {
		inst, err := d.get(ctx, h.ID)
		if err != nil {
			if isNotFound(err) {
				return fmt.Errorf("%w: instance %s: %w", runner.ErrStart, h.ID, err)
			}
			return runner.Transient(fmt.Errorf("%w: get instance %s: %w", runner.ErrStart, h.ID, err))
		}

		switch status := inst.GetStatus(); status {
		case statusRunning:
			d.logger.Info("runner VM running", slog.String("name", h.ID))
			return nil
		case statusTerminated:
			if started {
				return fmt.Errorf("%w: instance %s stopped while booting", runner.ErrStart, h.ID)
			}
			op, err := d.client.Start(ctx, &computepb.StartInstanceRequest{
				Project:  d.cfg.Project,
				Zone:     d.cfg.Zone,
				Instance: h.ID,
			})
			if err == nil {
				err = op.Wait(ctx)
			}
			if err != nil {
				return runner.Transient(fmt.Errorf("%w: start instance %s: %w", runner.ErrStart, h.ID, err))
			}
			started = true
		default:
			d.logger.Debug("waiting for runner VM", slog.String("name", h.ID), slog.String("status", status))
		}

		select {
		case <-ctx.Done():
			return runner.Transient(fmt.Errorf("%w: instance %s not running: %w", runner.ErrStart, h.ID, ctx.Err()))
		case <-time.After(d.cfg.PollInterval):
		}
	}
}

// ExecAttach publishes job in the instance metadata and polls the guest
// attribute the agent writes when the job exits.
func (d *Driver) ExecAttach(ctx context.Context, h runner.Handle, job runner.Job) (<-chan runner.ExecResult, error) {
	inst, err := d.get(ctx, h.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: get instance %s: %w", runner.ErrAttach, h.ID, err)
	}
	if inst.GetStatus() != statusRunning {
		return nil, fmt.Errorf("%w: instance %s is %s", runner.ErrAttach, h.ID, inst.GetStatus())
	}

	payload, err := json.Marshal(jobMetadata{
		ID:      job.ID,
		Command: job.Command,
		Env:     job.Env,
		WorkDir: job.WorkDir,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode job %s: %w", runner.ErrAttach, job.ID, err)
	}

	md := inst.GetMetadata()
	items := make([]*computepb.Items, 0, len(md.GetItems())+1)
	for _, it := range md.GetItems() {
		if it.GetKey() != MetadataJob {
			items = append(items, it)
		}
	}
	items = append(items, &computepb.Items{Key: proto.String(MetadataJob), Value: proto.String(string(payload))})

	op, err := d.client.SetMetadata(ctx, &computepb.SetMetadataInstanceRequest{
		Project:  d.cfg.Project,
		Zone:     d.cfg.Zone,
		Instance: h.ID,
		MetadataResource: &computepb.Metadata{
			Fingerprint: md.Fingerprint,
			Items:       items,
		},
	})
	if err == nil {
		err = op.Wait(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: set job metadata on %s: %w", runner.ErrAttach, h.ID, err)
	}

	d.logger.Info("job published", slog.String("name", h.ID), slog.String("job", job.ID))

	out := make(chan runner.ExecResult, 1)
	go func() {
		defer close(out)
		out <- d.awaitExit(ctx, h)
	}()
	return out, nil
}

func (d *Driver) awaitExit(ctx context.Context, h runner.Handle) runner.ExecResult {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		attr, err := d.client.GetGuestAttributes(ctx, &computepb.GetGuestAttributesInstanceRequest{
			Project:     d.cfg.Project,
			Zone:        d.cfg.Zone,
			Instance:    h.ID,
			VariableKey: proto.String(GuestAttrExitCode),
		})
		switch {
		case err == nil:
			code, perr := strconv.Atoi(strings.TrimSpace(attr.GetVariableValue()))
			if perr != nil {
				return runner.ExecResult{ExitCode: -1, Err: fmt.Errorf("instance %s: bad exit code %q", h.ID, attr.GetVariableValue())}
			}
			return runner.ExecResult{ExitCode: code}
		case isNotFound(err):
			// Not written yet.
		case ctx.Err() != nil:
		default:
			d.logger.Warn("guest attribute poll failed", slog.String("name", h.ID), slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return runner.ExecResult{ExitCode: -1, Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// Health implements engine.Driver.
func (d *Driver) Health(ctx context.Context, h runner.Handle) error {
	inst, err := d.get(ctx, h.ID)
	if err != nil {
		return fmt.Errorf("get instance %s: %w", h.ID, err)
	}
	if inst.GetStatus() != statusRunning {
		return fmt.Errorf("instance %s is %s", h.ID, inst.GetStatus())
	}
	return nil
}

// Destroy permanently deletes the VM.  It is idempotent -- deleting an
// already-deleted VM is not an error.
func (d *Driver) Destroy(ctx context.Context, h runner.Handle) error {
	ctx, span := d.tracer.Start(ctx, "gce.Destroy")
	defer span.End()

	span.SetAttributes(
		attribute.String("gcp.instance_name", h.ID),
		attribute.String("gcp.project", d.cfg.Project),
		attribute.String("gcp.zone", d.cfg.Zone),
	)

	d.logger.Info("destroying runner VM", slog.String("name", h.ID))

	op, err := d.client.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  d.cfg.Project,
		Zone:     d.cfg.Zone,
		Instance: h.ID,
	})
	if err == nil {
		err = op.Wait(ctx)
	}
	switch {
	case err == nil:
		d.logger.Info("runner VM destroyed", slog.String("name", h.ID))
		return nil
	case isNotFound(err):
		span.AddEvent("instance already deleted (idempotent)")
		d.logger.Info("runner VM already deleted", slog.String("name", h.ID))
		return nil
	case isRetryable(err):
		return runner.Transient(fmt.Errorf("delete instance %s: %w", h.ID, err))
	default:
		span.RecordError(err)
		return fmt.Errorf("delete instance %s: %w", h.ID, err)
	}
}

// Close implements engine.Driver.
func (d *Driver) Close() error {
	err := d.client.Close()
	if d.images != nil {
		err = errors.Join(err, d.images.Close())
	}
	return err
}

func (d *Driver) get(ctx context.Context, name string) (*computepb.Instance, error) {
	return d.client.Get(ctx, &computepb.GetInstanceRequest{
		Project:  d.cfg.Project,
		Zone:     d.cfg.Zone,
		Instance: name,
	})
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type jobMetadata struct {
	ID      string            `json:"id"`
	Command []string          `json:"command"`
	Env     map[string]string `json:"env,omitempty"`
	WorkDir string            `json:"workdir,omitempty"`
}

type sandboxMetadata struct {
	ReadOnlyRootfs   bool     `json:"readonly_rootfs"`
	NestedContainers bool     `json:"nested_containers"`
	NoNewPrivileges  bool     `json:"no_new_privileges"`
	Capabilities     []string `json:"capabilities"`
}

func classifyInsert(name string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusTooManyRequests, hasReason(gerr, "QUOTA_EXCEEDED", "quotaExceeded", "ZONE_RESOURCE_POOL_EXHAUSTED"):
			return fmt.Errorf("%w: insert instance %s: %w", runner.ErrResourceExhausted, name, err)
		case gerr.Code >= 500:
			return runner.Transient(fmt.Errorf("%w: insert instance %s: %w", runner.ErrProvision, name, err))
		}
	}
	if strings.Contains(err.Error(), "QUOTA_EXCEEDED") || strings.Contains(err.Error(), "RESOURCE_POOL_EXHAUSTED") {
		return fmt.Errorf("%w: insert instance %s: %w", runner.ErrResourceExhausted, name, err)
	}
	return fmt.Errorf("%w: insert instance %s: %w", runner.ErrProvision, name, err)
}

func hasReason(gerr *googleapi.Error, reasons ...string) bool {
	for _, item := range gerr.Errors {
		if slices.Contains(reasons, item.Reason) {
			return true
		}
	}
	return slices.ContainsFunc(reasons, func(r string) bool { return strings.Contains(gerr.Message, r) })
}

// isNotFound reports whether err is a 404 from the Compute API.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusNotFound
	}
	// Operation errors surface as plain strings.
	s := err.Error()
	return strings.Contains(s, "Error 404") || strings.Contains(s, "code = NotFound") || strings.Contains(s, "notFound")
}

func isRetryable(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500
	}
	return false
}

var invalidName = regexp.MustCompile(`[^a-z0-9-]+`)

// instanceName maps a runner id onto the RFC 1035 names GCE accepts.
func instanceName(id string) string {
	n := invalidName.ReplaceAllString(strings.ToLower(id), "-")
	n = strings.Trim(n, "-")
	if n == "" || n[0] < 'a' || n[0] > 'z' {
		n = "r-" + n
	}
	if len(n) > maxNameLength {
		n = strings.TrimRight(n[:maxNameLength], "-")
	}
	return n
}

var invalidLabel = regexp.MustCompile(`[^a-z0-9_-]+`)

func labelValue(s string) string {
	v := invalidLabel.ReplaceAllString(strings.ToLower(s), "_")
	if len(v) > maxNameLength {
		v = v[:maxNameLength]
	}
	return v
}
