// Package node orchestrates the skill lifecycle: deploys, trust gating,
// sandbox supervision, health-window rollback, and the registries behind
// the command surface.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/KrizPB/buhdi-node-sub000/internal/audit"
	"github.com/KrizPB/buhdi-node-sub000/internal/cache"
	"github.com/KrizPB/buhdi-node-sub000/internal/metrics"
	"github.com/KrizPB/buhdi-node-sub000/internal/report"
	"github.com/KrizPB/buhdi-node-sub000/internal/sandbox"
	"github.com/KrizPB/buhdi-node-sub000/internal/signing"
	"github.com/KrizPB/buhdi-node-sub000/internal/store"
	"github.com/KrizPB/buhdi-node-sub000/internal/trust"
	"github.com/KrizPB/buhdi-node-sub000/internal/vault"
	"github.com/KrizPB/buhdi-node-sub000/pkg/skill"
)

// Registry statuses for installed skills.
const (
	SkillInstalled = "installed"
	SkillRunning   = "running"
	SkillStopped   = "stopped"
	SkillError     = "error"
)

// Node-wide quotas.
const (
	DefaultMaxSkills    = 20
	DefaultMaxDiskMB    = 2048
	DefaultHealthWindow = 5 * time.Second
)

// SkillInfo is the external view of one installed skill.
type SkillInfo struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Type        string `json:"type"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	Schedule    string `json:"schedule,omitempty"`
	Error       string `json:"error,omitempty"`
}

// PendingDeploy is a deploy waiting for human approval. Pending deploys are
// memory-only: a restart drops them and the control plane re-issues.
type PendingDeploy struct {
	ID          string          `json:"id"`
	Manifest    *skill.Manifest `json:"manifest"`
	Code        []byte          `json:"-"`
	InitiatedBy string          `json:"initiatedBy,omitempty"`
	Reasons     []string        `json:"reasons"`
	ReceivedAt  time.Time       `json:"receivedAt"`
}

// Runner is the slice of the sandbox the manager drives. Tests substitute
// fakes through RunnerFactory.
type Runner interface {
	Start(ctx context.Context) error
	Call(ctx context.Context, fn string, args []byte) (json.RawMessage, error)
	Stop(ctx context.Context)
	Dispose()
}

// RunnerFactory builds an isolate for a validated manifest.
type RunnerFactory func(ctx context.Context, manifest *skill.Manifest, code []byte, host *sandbox.HostServices, onExit sandbox.ExitFunc) (Runner, error)

// Scheduler hooks running skills with a schedule into cron. Implemented by
// the schedule service; nil disables scheduling.
type Scheduler interface {
	Add(name, spec string, job func()) error
	Remove(name string)
}

type activeSkill struct {
	runner    Runner
	version   string
	started   bool
	startedAt time.Time
	crashed   bool // settled before exited closes
	exited    chan struct{}
}

type skillRecord struct {
	manifest *skill.Manifest
	status   string
	reason   string
}

// Manager owns every lifecycle registry as instance state. Lifecycle
// operations on the same skill name are serialized by a per-name mutex;
// different names proceed concurrently.
type Manager struct {
	store     *store.Store
	verifier  *signing.Verifier
	audit     *audit.Logger
	vault     vault.Store
	exchange  cache.Exchange
	reporter  *report.Client
	metrics   *metrics.NodeMetrics
	events    *Broker
	logs      *LogBuffer
	sched     Scheduler
	logger    *slog.Logger
	trust     trust.Level
	newRunner RunnerFactory

	maxSkills    int
	maxDiskBytes int64
	healthWindow time.Duration

	mu      sync.Mutex
	records map[string]*skillRecord
	pending map[string]*PendingDeploy
	running map[string]*activeSkill
	locks   map[string]*sync.Mutex

	wg sync.WaitGroup
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTrustLevel sets the node-wide trust policy.
func WithTrustLevel(level trust.Level) ManagerOption {
	return func(m *Manager) { m.trust = level }
}

// WithAudit wires the audit logger.
func WithAudit(a *audit.Logger) ManagerOption {
	return func(m *Manager) { m.audit = a }
}

// WithVault wires the secret store.
func WithVault(v vault.Store) ManagerOption {
	return func(m *Manager) { m.vault = v }
}

// WithExchange wires the cross-skill data exchange.
func WithExchange(e cache.Exchange) ManagerOption {
	return func(m *Manager) { m.exchange = e }
}

// WithReporter wires the upstream reporting client.
func WithReporter(r *report.Client) ManagerOption {
	return func(m *Manager) { m.reporter = r }
}

// WithMetrics wires prometheus metrics.
func WithMetrics(nm *metrics.NodeMetrics) ManagerOption {
	return func(m *Manager) { m.metrics = nm }
}

// WithScheduler wires cron scheduling for skills that declare a schedule.
func WithScheduler(s Scheduler) ManagerOption {
	return func(m *Manager) { m.sched = s }
}

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l.With("component", "node") }
}

// WithQuotas overrides the skill-count and total-disk quotas.
func WithQuotas(maxSkills int, maxDiskMB int64) ManagerOption {
	return func(m *Manager) {
		m.maxSkills = maxSkills
		m.maxDiskBytes = maxDiskMB << 20
	}
}

// WithHealthWindow overrides the post-start health window.
func WithHealthWindow(d time.Duration) ManagerOption {
	return func(m *Manager) { m.healthWindow = d }
}

// WithRunnerFactory substitutes the sandbox constructor.
func WithRunnerFactory(f RunnerFactory) ManagerOption {
	return func(m *Manager) { m.newRunner = f }
}

// WithLogBuffer overrides the guest console ring buffer.
func WithLogBuffer(b *LogBuffer) ManagerOption {
	return func(m *Manager) { m.logs = b }
}

// NewManager builds a manager over a skill store and a provenance verifier.
func NewManager(st *store.Store, verifier *signing.Verifier, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:        st,
		verifier:     verifier,
		logger:       slog.Default().With("component", "node"),
		trust:        trust.ApproveEach,
		maxSkills:    DefaultMaxSkills,
		maxDiskBytes: DefaultMaxDiskMB << 20,
		healthWindow: DefaultHealthWindow,
		events:       NewBroker(),
		logs:         NewLogBuffer(200),
		records:      make(map[string]*skillRecord),
		pending:      make(map[string]*PendingDeploy),
		running:      make(map[string]*activeSkill),
		locks:        make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.newRunner == nil {
		m.newRunner = func(ctx context.Context, mf *skill.Manifest, code []byte, host *sandbox.HostServices, onExit sandbox.ExitFunc) (Runner, error) {
			return sandbox.New(ctx, mf, code, host,
				sandbox.OnExit(onExit),
				sandbox.WithMetrics(m.metrics),
				sandbox.WithLogger(m.logger))
		}
	}
	return m
}

// Events returns the lifecycle event broker.
func (m *Manager) Events() *Broker { return m.events }

// Logs returns the guest console ring buffer.
func (m *Manager) Logs() *LogBuffer { return m.logs }

// Audit returns the audit logger, or nil when none is wired.
func (m *Manager) Audit() *audit.Logger { return m.audit }

// TrustLevel returns the node-wide trust policy.
func (m *Manager) TrustLevel() trust.Level { return m.trust }

// lockName returns the mutex serializing lifecycle operations on one name.
func (m *Manager) lockName(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	return l
}

// Recover loads the installed registry from disk and starts every skill.
// Called once at daemon boot; start failures mark the record and move on.
func (m *Manager) Recover(ctx context.Context) error {
	names, err := m.store.Installed()
	if err != nil {
		return fmt.Errorf("reading installed skills: %w", err)
	}
	for _, name := range names {
		mf, err := m.store.ReadManifest(name)
		if err != nil {
			m.logger.Warn("skipping unreadable skill", "skill", name, "error", err)
			continue
		}
		m.setRecord(mf, SkillInstalled, "")

		lock := m.lockName(name)
		lock.Lock()
		if err := m.startLocked(ctx, name); err != nil {
			m.logger.Warn("skill failed to start at boot", "skill", name, "error", err)
		}
		lock.Unlock()
	}
	return nil
}

// ForwardEvents republishes guest data_emit events from the exchange onto
// the lifecycle broker until ctx is cancelled.
func (m *Manager) ForwardEvents(ctx context.Context) {
	if m.exchange == nil {
		return
	}
	events, cancel := m.exchange.Subscribe(32)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				payload, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				m.events.Publish(Event{Skill: ev.Skill, Type: EventData, Data: string(payload)})
			}
		}
	}()
}

// Start launches an installed skill that is not running.
func (m *Manager) Start(ctx context.Context, name, initiatedBy string) error {
	lock := m.lockName(name)
	lock.Lock()
	defer lock.Unlock()

	if !m.store.IsInstalled(name) {
		return store.ErrNotInstalled
	}
	if m.isRunning(name) {
		return nil
	}
	if err := m.startLocked(ctx, name); err != nil {
		return err
	}
	m.auditLog(audit.ActionStart, name, m.currentVersion(name), initiatedBy, "")
	return nil
}

// Stop halts a running skill. Stopping a skill that is not running is a
// no-op.
func (m *Manager) Stop(ctx context.Context, name, initiatedBy string) error {
	lock := m.lockName(name)
	lock.Lock()
	defer lock.Unlock()

	if !m.isRunning(name) {
		return nil
	}
	m.stopLocked(ctx, name)
	m.auditLog(audit.ActionStop, name, m.currentVersion(name), initiatedBy, "")
	return nil
}

// Call invokes a handler on a running skill. Guest faults come back as
// RuntimeError; the skill is already marked error by its exit callback.
func (m *Manager) Call(ctx context.Context, name, handler string, args json.RawMessage) (json.RawMessage, error) {
	m.mu.Lock()
	act, ok := m.running[name]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("skill %q is not running", name)
	}
	out, err := act.runner.Call(ctx, handler, args)
	if err != nil {
		return nil, &RuntimeError{Skill: name, Err: err}
	}
	return out, nil
}

// List returns every installed skill, sorted by name.
func (m *Manager) List() []SkillInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]SkillInfo, 0, len(m.records))
	for name := range m.records {
		infos = append(infos, m.infoLocked(name))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Get returns one skill's registry view.
func (m *Manager) Get(name string) (SkillInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[name]; !ok {
		return SkillInfo{}, false
	}
	return m.infoLocked(name), true
}

// Pendings returns the deploys waiting for approval, newest first.
func (m *Manager) Pendings() []*PendingDeploy {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*PendingDeploy, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	return out
}

// StopAll halts every running skill, used at daemon shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	names := make([]string, 0, len(m.running))
	for name := range m.running {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		if err := m.Stop(ctx, name, "shutdown"); err != nil {
			m.logger.Warn("stop at shutdown failed", "skill", name, "error", err)
		}
	}
}

// Close waits for detached lifecycle work to settle.
func (m *Manager) Close() {
	m.wg.Wait()
}

func (m *Manager) infoLocked(name string) SkillInfo {
	rec := m.records[name]
	info := SkillInfo{
		Name:        name,
		Version:     rec.manifest.Version,
		Type:        rec.manifest.Type,
		Status:      rec.status,
		Description: rec.manifest.Description,
		Schedule:    rec.manifest.Schedule,
		Error:       rec.reason,
	}
	return info
}

func (m *Manager) isRunning(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.running[name]
	return ok
}

func (m *Manager) currentVersion(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[name]; ok {
		return rec.manifest.Version
	}
	return ""
}

func (m *Manager) setRecord(mf *skill.Manifest, status, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[mf.Name] = &skillRecord{manifest: mf, status: status, reason: reason}
}

func (m *Manager) setStatus(name, status, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[name]; ok {
		rec.status = status
		rec.reason = reason
	}
}

// startLocked launches the current on-disk version. Caller holds the name
// lock.
func (m *Manager) startLocked(ctx context.Context, name string) error {
	mf, code, err := m.store.ReadCurrent(name)
	if err != nil {
		m.setStatus(name, SkillError, err.Error())
		return err
	}

	host, err := m.buildHost(mf)
	if err != nil {
		m.setStatus(name, SkillError, err.Error())
		return err
	}

	act := &activeSkill{version: mf.Version, exited: make(chan struct{})}
	onExit := func(reason sandbox.ExitReason, cause error) {
		m.handleExit(name, act, reason, cause)
	}
	runner, err := m.newRunner(ctx, mf, code, host, onExit)
	if err != nil {
		m.setStatus(name, SkillError, err.Error())
		return err
	}
	act.runner = runner

	m.mu.Lock()
	m.running[name] = act
	m.mu.Unlock()

	if err := runner.Start(ctx); err != nil {
		m.mu.Lock()
		if m.running[name] == act {
			delete(m.running, name)
		}
		m.mu.Unlock()
		m.setStatus(name, SkillError, err.Error())
		return err
	}

	m.mu.Lock()
	act.started = true
	act.startedAt = time.Now()
	runningCount := len(m.running)
	m.mu.Unlock()
	m.metrics.SetRunning(runningCount)

	m.setStatus(name, SkillRunning, "")
	m.events.Publish(Event{Skill: name, Type: EventRunning})
	m.logger.Info("skill running", "skill", name, "version", mf.Version)

	if m.sched != nil && mf.Schedule != "" && mf.Permissions.ScheduleEnabled() {
		if err := m.sched.Add(name, mf.Schedule, m.scheduleJob(name)); err != nil {
			m.logger.Warn("schedule registration failed", "skill", name, "error", err)
		}
	}
	return nil
}

// stopLocked halts the running isolate. Caller holds the name lock; the
// registry cleanup happens in the exit callback.
func (m *Manager) stopLocked(ctx context.Context, name string) {
	m.mu.Lock()
	act := m.running[name]
	m.mu.Unlock()
	if act == nil {
		return
	}
	act.runner.Stop(ctx)
	if m.sched != nil {
		m.sched.Remove(name)
	}
}

func (m *Manager) scheduleJob(name string) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(skill.MaxTimeoutMS)*time.Millisecond)
		defer cancel()
		if _, err := m.Call(ctx, name, "on_schedule", nil); err != nil {
			m.logger.Warn("scheduled run failed", "skill", name, "error", err)
		}
	}
}

// buildHost assembles the capability surface for one skill.
func (m *Manager) buildHost(mf *skill.Manifest) (*sandbox.HostServices, error) {
	dataDir, err := m.store.DataDir(mf.Name)
	if err != nil {
		return nil, err
	}
	host := sandbox.NewHostServices(mf, dataDir)
	host.Vault = m.vault
	host.Exchange = m.exchange
	host.Metrics = m.metrics
	name := mf.Name
	host.Report = func(data json.RawMessage) {
		if m.reporter != nil {
			m.reporter.SkillReport(name, data)
		}
	}
	host.Console = func(level uint32, msg string) {
		m.logs.Append(name, levelName(level), msg)
	}
	return host, nil
}

func levelName(level uint32) string {
	switch level {
	case 0:
		return "debug"
	case 2:
		return "warn"
	case 3:
		return "error"
	default:
		return "info"
	}
}

// auditLog appends an audit entry; failures are logged, never propagated.
func (m *Manager) auditLog(action audit.Action, name, version, initiatedBy, reason string) {
	if m.audit == nil {
		return
	}
	err := m.audit.Append(audit.Entry{
		Action:      action,
		ToolID:      name,
		Version:     version,
		InitiatedBy: initiatedBy,
		Reason:      reason,
	})
	if err != nil {
		m.logger.Warn("audit append failed", "action", action, "skill", name, "error", err)
	}
}

// report forwards a deploy result upstream, fire-and-forget.
func (m *Manager) report(result *DeployResult) {
	if m.reporter != nil {
		m.reporter.DeployResult(result)
	}
}
