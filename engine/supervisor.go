package engine

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	E "github.com/sagernet/sing/common/exceptions"
	M "github.com/sagernet/sing/common/metadata"
	singSocks "github.com/sagernet/sing/protocol/socks"
	"github.com/sagernet/sing/protocol/socks/socks5"
	"github.com/sirupsen/logrus"
)

const (
	defaultEngineBinary  = "sing-box"
	defaultStopGrace     = 3 * time.Second
	readinessProbeBudget = 1500 * time.Millisecond
	maxOutputLineBytes   = 64 * 1024
)

type instance struct {
	mode    Mode
	cmd     *exec.Cmd
	api     *ClashAPI
	inbound string
	done    chan struct{}

	stopping     atomic.Bool
	inboundReady atomic.Bool
	paused       atomic.Bool
}

// Supervisor runs at most one engine process per mode and exposes the
// command interface of the most recently launched one.
type Supervisor struct {
	Binary         string
	WorkDir        string
	StopGrace      time.Duration
	TestURL        string
	PreferredGroup string
	Output         *OutputLog

	lock      sync.Mutex
	instances map[Mode]*instance
	current   Mode
	lastError string
}

func NewSupervisor(binary, workDir string) *Supervisor {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = defaultEngineBinary
	}
	return &Supervisor{
		Binary:    binary,
		WorkDir:   strings.TrimSpace(workDir),
		StopGrace: defaultStopGrace,
		TestURL:   DefaultTestURL,
		Output:    NewOutputLog(2000),
		instances: make(map[Mode]*instance, 2),
	}
}

func (s *Supervisor) configPath(mode Mode) string {
	dir := s.WorkDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "corelink")
	}
	return filepath.Join(dir, "config-"+mode.String()+".json")
}

func writeEngineConfig(path string, raw []byte) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("engine config is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0600)
}

func buildEngineArgs(configPath string) []string {
	return []string{"run", "-c", configPath, "-D", filepath.Dir(configPath)}
}

func (s *Supervisor) Launch(ctx context.Context, mode Mode, cfg Config) error {
	if mode == ModeNone {
		return fmt.Errorf("cannot launch engine without a mode")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.Active(mode) {
		logrus.Warnf("[Engine] %s instance still present, stopping it before launch", mode)
		select {
		case <-s.Stop(mode):
		case <-time.After(s.stopGrace() + time.Second):
			return fmt.Errorf("previous %s instance did not exit", mode)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	binary, err := exec.LookPath(s.Binary)
	if err != nil {
		return fmt.Errorf("engine binary not found: %s (%w)", s.Binary, err)
	}
	path := s.configPath(mode)
	if err := writeEngineConfig(path, cfg.Raw); err != nil {
		return fmt.Errorf("write engine config: %w", err)
	}

	api := NewClashAPI(cfg.ControllerAddr, cfg.Secret)
	api.TestURL = s.TestURL
	api.PreferredGroup = s.PreferredGroup
	inst := &instance{
		mode:    mode,
		api:     api,
		inbound: strings.TrimSpace(cfg.InboundAddr),
		done:    make(chan struct{}),
	}
	output := &lineWriter{emit: func(line string) { s.recordOutput(inst, line) }}
	cmd := exec.Command(binary, buildEngineArgs(path)...)
	cmd.Dir = filepath.Dir(path)
	cmd.Stdout = output
	cmd.Stderr = output
	inst.cmd = cmd

	s.lock.Lock()
	s.lastError = ""
	s.lock.Unlock()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start engine failed: %w", err)
	}

	s.lock.Lock()
	s.instances[mode] = inst
	s.current = mode
	s.lock.Unlock()
	logrus.Infof("[Engine] launched %s instance pid=%d controller=%s", mode, cmd.Process.Pid, cfg.ControllerAddr)

	go s.reap(inst, output)
	return nil
}

func (s *Supervisor) reap(inst *instance, output *lineWriter) {
	err := inst.cmd.Wait()
	output.Flush()

	s.lock.Lock()
	if s.instances[inst.mode] == inst {
		delete(s.instances, inst.mode)
	}
	if !inst.stopping.Load() && s.current == inst.mode && s.lastError == "" {
		if err != nil {
			s.lastError = fmt.Sprintf("engine exited: %v", err)
		} else {
			s.lastError = "engine exited unexpectedly"
		}
	}
	s.lock.Unlock()

	if inst.stopping.Load() {
		logrus.Infof("[Engine] %s instance stopped", inst.mode)
	} else {
		logrus.Warnf("[Engine] %s instance exited: %v", inst.mode, err)
	}
	close(inst.done)
}

func (s *Supervisor) recordOutput(inst *instance, message string) {
	line := s.Output.Append(inst.mode, message, time.Now())
	if line.Message == "" {
		return
	}
	logrus.Debugf("[Engine] %s: %s", inst.mode, line.Message)
	if !isFatalOutput(line) || inst.stopping.Load() {
		return
	}
	s.lock.Lock()
	if s.instances[inst.mode] == inst || s.current == inst.mode {
		s.lastError = line.Message
	}
	s.lock.Unlock()
}

func (s *Supervisor) stopGrace() time.Duration {
	if s.StopGrace <= 0 {
		return defaultStopGrace
	}
	return s.StopGrace
}

func (s *Supervisor) Stop(mode Mode) <-chan struct{} {
	s.lock.Lock()
	inst := s.instances[mode]
	s.lock.Unlock()
	if inst == nil {
		return closedChan()
	}
	if inst.stopping.Swap(true) {
		return inst.done
	}

	proc := inst.cmd.Process
	if inst.paused.Load() {
		_ = signalResume(proc)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		_ = proc.Kill()
	}
	grace := s.stopGrace()
	go func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-inst.done:
		case <-timer.C:
			logrus.Warnf("[Engine] %s instance ignored SIGTERM for %s, killing", inst.mode, grace)
			_ = proc.Kill()
		}
	}()
	return inst.done
}

func (s *Supervisor) Active(mode Mode) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.instances[mode] != nil
}

func (s *Supervisor) CurrentMode() Mode {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.instances[s.current] == nil {
		return ModeNone
	}
	return s.current
}

func (s *Supervisor) currentInstance() *instance {
	s.lock.Lock()
	defer s.lock.Unlock()
	inst := s.instances[s.current]
	if inst == nil || inst.stopping.Load() {
		return nil
	}
	return inst
}

func (s *Supervisor) LastError() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.lastError
}

// IsRunning reports whether the current instance answers on its controller
// and, for proxy-only instances, accepts SOCKS5 on its local inbound.
func (s *Supervisor) IsRunning(ctx context.Context) bool {
	inst := s.currentInstance()
	if inst == nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, readinessProbeBudget)
	defer cancel()
	if _, err := inst.api.Version(probeCtx); err != nil {
		return false
	}
	if inst.mode != ModeProxyOnly || inst.inbound == "" || inst.inboundReady.Load() {
		return true
	}
	if err := probeSOCKSInbound(probeCtx, inst.inbound, inst.api.Addr); err != nil {
		logrus.Debugf("[Engine] inbound %s not ready: %v", inst.inbound, err)
		return false
	}
	inst.inboundReady.Store(true)
	return true
}

// probeSOCKSInbound asks the engine's local inbound to CONNECT to target.
func probeSOCKSInbound(ctx context.Context, inbound, target string) error {
	destination := M.ParseSocksaddr(target)
	if !destination.IsValid() {
		return fmt.Errorf("invalid probe target %q", target)
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", inbound)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	_, err = singSocks.ClientHandshake5(conn, socks5.CommandConnect, destination, "", "")
	return err
}

func (s *Supervisor) commandTarget() (*ClashAPI, error) {
	inst := s.currentInstance()
	if inst == nil {
		return nil, fmt.Errorf("engine is not running")
	}
	return inst.api, nil
}

func (s *Supervisor) SelectOutbound(ctx context.Context, group, node string) error {
	api, err := s.commandTarget()
	if err != nil {
		return err
	}
	return api.SelectOutbound(ctx, group, node)
}

func (s *Supervisor) ForceSelect(ctx context.Context, group, node string) error {
	api, err := s.commandTarget()
	if err != nil {
		return err
	}
	return api.ForceSelect(ctx, group, node)
}

func (s *Supervisor) TestGroupLatency(ctx context.Context, group string, timeout time.Duration) (map[string]int, error) {
	api, err := s.commandTarget()
	if err != nil {
		return nil, err
	}
	return api.TestGroupLatency(ctx, group, timeout)
}

func (s *Supervisor) ActiveSelectorGroup(ctx context.Context) (SelectorGroup, error) {
	api, err := s.commandTarget()
	if err != nil {
		return SelectorGroup{}, err
	}
	return api.ActiveSelectorGroup(ctx)
}

func (s *Supervisor) Pause(ctx context.Context) error {
	inst := s.currentInstance()
	if inst == nil {
		return fmt.Errorf("engine is not running")
	}
	if inst.paused.Load() {
		return nil
	}
	if err := signalPause(inst.cmd.Process); err != nil {
		return err
	}
	inst.paused.Store(true)
	logrus.Infof("[Engine] %s instance paused", inst.mode)
	return nil
}

func (s *Supervisor) Resume(ctx context.Context) error {
	inst := s.currentInstance()
	if inst == nil {
		return fmt.Errorf("engine is not running")
	}
	if !inst.paused.Load() {
		return nil
	}
	if err := signalResume(inst.cmd.Process); err != nil {
		return err
	}
	inst.paused.Store(false)
	logrus.Infof("[Engine] %s instance resumed", inst.mode)
	return nil
}

// Close stops every instance and waits for them to exit.
func (s *Supervisor) Close() error {
	var errs []error
	for _, mode := range []Mode{ModeTunnel, ModeProxyOnly} {
		select {
		case <-s.Stop(mode):
		case <-time.After(s.stopGrace() + 2*time.Second):
			errs = append(errs, fmt.Errorf("%s instance did not exit", mode))
		}
	}
	return E.Errors(errs...)
}

type lineWriter struct {
	lock sync.Mutex
	buf  []byte
	emit func(line string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(w.buf[:idx]), "\r")
		w.buf = w.buf[idx+1:]
		w.emit(line)
	}
	if len(w.buf) > maxOutputLineBytes {
		w.emit(string(w.buf))
		w.buf = w.buf[:0]
	}
	return len(p), nil
}

func (w *lineWriter) Flush() {
	w.lock.Lock()
	defer w.lock.Unlock()
	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = w.buf[:0]
	}
}
