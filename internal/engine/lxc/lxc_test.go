package lxc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/terrpan/runnerfleet/internal/engine"
	"github.com/terrpan/runnerfleet/internal/imagestore"
	"github.com/terrpan/runnerfleet/internal/policy"
	"github.com/terrpan/runnerfleet/internal/runner"
)

// ---------------------------------------------------------------------------
// Fake execer
// ---------------------------------------------------------------------------

type fakeExecer struct {
	mu   sync.Mutex
	path string

	state     string
	createOut string
	createErr int
	tarErr    int
	attachOut string
	attachRC  int

	// createLeaves writes the container before createErr is reported.
	createLeaves bool

	calls []command
}

func (f *fakeExecer) Run(ctx context.Context, c command) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)

	name := argAfter(c.Args, "-n")
	switch c.Name {
	case "lxc-create":
		if f.createErr != 0 && !f.createLeaves {
			_, _ = io.WriteString(c.Stderr, f.createOut)
			return f.createErr, nil
		}
		dir := filepath.Join(f.path, name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return -1, err
		}
		if err := os.WriteFile(filepath.Join(dir, "config"), []byte("lxc.arch = x86_64\n"), 0o644); err != nil {
			return -1, err
		}
		f.state = "STOPPED"
		if f.createErr != 0 {
			_, _ = io.WriteString(c.Stderr, f.createOut)
			return f.createErr, nil
		}
	case "tar":
		return f.tarErr, nil
	case "lxc-start":
		f.state = "RUNNING"
	case "lxc-info":
		if f.state == "" {
			_, _ = io.WriteString(c.Stderr, name+" doesn't exist\n")
			return 1, nil
		}
		_, _ = io.WriteString(c.Stdout, f.state+"\n")
	case "lxc-attach":
		_, _ = io.WriteString(c.Stdout, f.attachOut)
		return f.attachRC, nil
	case "lxc-destroy":
		if err := ctx.Err(); err != nil {
			return -1, err
		}
		f.state = ""
		if err := os.RemoveAll(filepath.Join(f.path, name)); err != nil {
			return -1, err
		}
	}
	return 0, nil
}

func (f *fakeExecer) called(name string) []command {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []command
	for _, c := range f.calls {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// ---------------------------------------------------------------------------
// Suite
// ---------------------------------------------------------------------------

type LXCDriverSuite struct {
	suite.Suite
	ctx    context.Context
	exec   *fakeExecer
	driver *Driver
}

func TestLXCDriverSuite(t *testing.T) {
	suite.Run(t, new(LXCDriverSuite))
}

func (s *LXCDriverSuite) SetupTest() {
	s.ctx = context.Background()
	path := s.T().TempDir()
	s.exec = &fakeExecer{path: path}
	s.driver = newDriver(s.exec, Config{Path: path}, slog.New(slog.DiscardHandler))
}

func (s *LXCDriverSuite) spec(caps ...runner.Capability) engine.CreateSpec {
	set, err := runner.NewCapabilitySet(caps...)
	s.Require().NoError(err)
	sb, err := policy.Compute(runner.KindLXC, set)
	s.Require().NoError(err)
	return engine.CreateSpec{
		Name: "rf-1",
		Image: imagestore.Artifact{
			Ref:  runner.ImageRef{Name: "ubuntu-22.04", Hash: "abcd1234"},
			Path: "/cache/ubuntu-22.04-abcd1234.tar",
		},
		Sandbox: sb,
	}
}

func (s *LXCDriverSuite) config() string {
	b, err := os.ReadFile(filepath.Join(s.driver.cfg.Path, "rf-1", "config"))
	s.Require().NoError(err)
	return string(b)
}

func (s *LXCDriverSuite) TestCreate_WritesSandbox() {
	h, err := s.driver.Create(s.ctx, s.spec(runner.CapNetworkEgress))
	s.Require().NoError(err)
	s.Equal(runner.Handle{Kind: runner.KindLXC, ID: "rf-1"}, h)

	tar := s.exec.called("tar")
	s.Require().Len(tar, 1)
	s.Contains(tar[0].Args, "/cache/ubuntu-22.04-abcd1234.tar")
	s.Contains(tar[0].Args, "--numeric-owner")

	cfg := s.config()
	s.Contains(cfg, "lxc.arch = x86_64\n", "existing config is kept")
	s.Contains(cfg, "lxc.cap.keep = none\n")
	s.Contains(cfg, "lxc.no_new_privs = 1\n")
	s.Contains(cfg, "lxc.net.0.type = veth\n")
	s.Contains(cfg, "lxc.net.0.link = lxcbr0\n")
	s.Contains(cfg, "lxc.rootfs.options = ro\n")
	s.NotContains(cfg, "nesting.conf")
	s.NotContains(cfg, "dev/kvm")
}

func (s *LXCDriverSuite) TestCreate_Grants() {
	_, err := s.driver.Create(s.ctx, s.spec(runner.CapSysPtrace, runner.CapKVM, runner.CapNestedContainers, runner.CapWritableRootfs))
	s.Require().NoError(err)

	cfg := s.config()
	s.Contains(cfg, "lxc.cap.keep = sys_ptrace\n")
	s.Contains(cfg, "lxc.net.0.type = empty\n")
	s.Contains(cfg, "lxc.include = /usr/share/lxc/config/nesting.conf\n")
	s.Contains(cfg, "lxc.cgroup2.devices.allow = c 10:232 rwm\n")
	s.Contains(cfg, "lxc.mount.entry = /dev/kvm dev/kvm none bind,create=file 0 0\n")
	s.NotContains(cfg, "lxc.rootfs.options")
	s.NotContains(cfg, "lxc.no_new_privs")
}

func (s *LXCDriverSuite) TestCreate_UnpackFailureCleansUp() {
	s.exec.tarErr = 2

	_, err := s.driver.Create(s.ctx, s.spec(runner.CapNetworkEgress))
	s.ErrorIs(err, runner.ErrProvision)
	s.Len(s.exec.called("lxc-destroy"), 1)
	s.NoDirExists(filepath.Join(s.driver.cfg.Path, "rf-1"))
}

func (s *LXCDriverSuite) TestCreate_FailureAfterWriteCleansUp() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	s.exec.createErr = 1
	s.exec.createLeaves = true
	s.exec.createOut = "lxc-create: rf-1: Failed to create container\n"

	_, err := s.driver.Create(ctx, s.spec(runner.CapNetworkEgress))
	s.ErrorIs(err, runner.ErrProvision)
	s.Len(s.exec.called("lxc-destroy"), 1, "destroy runs despite the cancelled context")
	s.NoDirExists(filepath.Join(s.driver.cfg.Path, "rf-1"))
	s.Empty(s.exec.called("tar"))
}

func (s *LXCDriverSuite) TestCreate_Errors() {
	s.exec.createErr = 1
	s.exec.createOut = "lxc-create: rf-1: No space left on device\n"
	_, err := s.driver.Create(s.ctx, s.spec(runner.CapNetworkEgress))
	s.ErrorIs(err, runner.ErrResourceExhausted)

	s.exec.createOut = "lxc-create: rf-1: Resource temporarily unavailable\n"
	_, err = s.driver.Create(s.ctx, s.spec(runner.CapNetworkEgress))
	s.ErrorIs(err, runner.ErrProvision)
	s.True(runner.IsTransient(err))

	_, err = s.driver.Create(s.ctx, engine.CreateSpec{Name: "rf-2"})
	s.ErrorIs(err, runner.ErrProvision)
	s.Empty(s.exec.called("lxc-destroy"))
}

func (s *LXCDriverSuite) TestLifecycle() {
	h, err := s.driver.Create(s.ctx, s.spec(runner.CapNetworkEgress))
	s.Require().NoError(err)

	_, err = s.driver.ExecAttach(s.ctx, h, runner.Job{ID: "j1", Command: []string{"true"}})
	s.ErrorIs(err, runner.ErrAttach, "stopped containers cannot run jobs")
	s.Error(s.driver.Health(s.ctx, h))

	s.Require().NoError(s.driver.Start(s.ctx, h))
	s.Require().Len(s.exec.called("lxc-wait"), 1)
	s.Contains(s.exec.called("lxc-wait")[0].Args, "30")
	s.NoError(s.driver.Health(s.ctx, h))

	s.exec.attachOut = "hello\n"
	s.exec.attachRC = 4
	ch, err := s.driver.ExecAttach(s.ctx, h, runner.Job{
		ID:      "j1",
		Command: []string{"./run.sh"},
		Env:     map[string]string{"B": "2", "A": "1"},
		WorkDir: "/runner",
	})
	s.Require().NoError(err)
	res := <-ch
	s.NoError(res.Err)
	s.Equal(4, res.ExitCode)

	attach := s.exec.called("lxc-attach")[0].Args
	joined := strings.Join(attach, " ")
	s.Contains(joined, "--clear-env --set-var A=1 --set-var B=2 --")
	s.Equal([]string{"/runner", "./run.sh"}, attach[len(attach)-2:])

	s.Require().NoError(s.driver.Destroy(s.ctx, h))
	s.NoDirExists(filepath.Join(s.driver.cfg.Path, "rf-1"))
}

func (s *LXCDriverSuite) TestDestroy_Idempotent() {
	h := runner.Handle{Kind: runner.KindLXC, ID: "rf-1"}
	s.NoError(s.driver.Destroy(s.ctx, h), "never created")

	_, err := s.driver.Create(s.ctx, s.spec(runner.CapNetworkEgress))
	s.Require().NoError(err)
	s.NoError(s.driver.Destroy(s.ctx, h))
	s.NoError(s.driver.Destroy(s.ctx, h))
	s.Len(s.exec.called("lxc-destroy"), 1)
}

func (s *LXCDriverSuite) TestRunReportsExitCode() {
	s.exec.state = ""
	_, err := s.driver.state(s.ctx, "ghost")
	s.Error(err)
	s.Contains(err.Error(), fmt.Sprintf("exited %d", 1))
	s.Contains(err.Error(), "ghost doesn't exist")
}
