// Package sandbox runs skill code inside per-skill WebAssembly isolates.
// A guest module has zero ambient authority: its only way out is the "bd"
// host module, whose capability surface is enumerated in HostServices.
//
// The guest ABI: the module exports bd_malloc, bd_free, bd_start and
// bd_call (bd_stop is optional), and imports bd.host_call and bd.log.
// Buffers cross the boundary as (ptr<<32)|len packed into a uint64.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/KrizPB/buhdi-node-sub000/internal/metrics"
	"github.com/KrizPB/buhdi-node-sub000/pkg/skill"
)

// ExitReason says why a sandbox was disposed.
type ExitReason string

const (
	ExitCompleted ExitReason = "completed"
	ExitError     ExitReason = "error"
	ExitTimeout   ExitReason = "timeout"
	ExitStopped   ExitReason = "stopped"
)

// ExitFunc observes disposal. It is invoked exactly once per sandbox,
// whatever the cause.
type ExitFunc func(reason ExitReason, err error)

// ErrDisposed is returned by operations on a sandbox that has been shut
// down.
var ErrDisposed = errors.New("sandbox disposed")

// Sandbox is one isolated execution context for one running skill.
type Sandbox struct {
	name    string
	timeout time.Duration
	runtime wazero.Runtime
	module  api.Module
	bdFree  api.Function
	bdCall  api.Function
	bdStart api.Function
	bdStop  api.Function
	host    *HostServices
	logger  *slog.Logger
	metrics *metrics.NodeMetrics
	onExit  ExitFunc

	// callMu serializes guest entry; wasm instances are not reentrant
	// across goroutines.
	callMu sync.Mutex

	mu       sync.Mutex
	disposed bool
	exitOnce sync.Once
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// OnExit registers the disposal callback.
func OnExit(fn ExitFunc) Option {
	return func(s *Sandbox) { s.onExit = fn }
}

// WithLogger sets the sandbox logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sandbox) { s.logger = logger.With("component", "sandbox", "skill", s.name) }
}

// WithMetrics wires execution metrics.
func WithMetrics(m *metrics.NodeMetrics) Option {
	return func(s *Sandbox) { s.metrics = m }
}

// New compiles and instantiates a skill module under the manifest's
// clamped resource limits. The module's exports are checked but no guest
// code runs until Start.
func New(ctx context.Context, manifest *skill.Manifest, code []byte, host *HostServices, opts ...Option) (*Sandbox, error) {
	memoryMb := manifest.Resources.MaxMemoryMB
	if memoryMb <= 0 {
		memoryMb = skill.DefaultMemoryMB
	}
	pages := uint32(memoryMb) * 16 // 64 KiB wasm pages per MiB

	s := &Sandbox{
		name:    manifest.Name,
		timeout: time.Duration(manifest.Resources.TimeoutMS) * time.Millisecond,
		host:    host,
		logger:  slog.Default().With("component", "sandbox", "skill", manifest.Name),
	}
	for _, opt := range opts {
		opt(s)
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true)
	s.runtime = wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	wasi_snapshot_preview1.MustInstantiate(ctx, s.runtime)

	_, err := s.runtime.NewHostModuleBuilder("bd").
		NewFunctionBuilder().WithFunc(s.hostCall).Export("host_call").
		NewFunctionBuilder().WithFunc(s.hostLog).Export("log").
		Instantiate(ctx)
	if err != nil {
		s.runtime.Close(ctx)
		return nil, fmt.Errorf("building host module: %w", err)
	}

	compiled, err := s.runtime.CompileModule(ctx, code)
	if err != nil {
		s.runtime.Close(ctx)
		return nil, fmt.Errorf("compiling module: %w", err)
	}

	s.module, err = s.runtime.InstantiateModule(ctx, compiled,
		wazero.NewModuleConfig().WithName(manifest.Name).WithStartFunctions())
	if err != nil {
		s.runtime.Close(ctx)
		return nil, fmt.Errorf("instantiating module: %w", err)
	}

	for _, required := range []string{"bd_malloc", "bd_free", "bd_start", "bd_call"} {
		if s.module.ExportedFunction(required) == nil {
			s.runtime.Close(ctx)
			return nil, fmt.Errorf("module does not export %s", required)
		}
	}
	s.bdFree = s.module.ExportedFunction("bd_free")
	s.bdCall = s.module.ExportedFunction("bd_call")
	s.bdStart = s.module.ExportedFunction("bd_start")
	s.bdStop = s.module.ExportedFunction("bd_stop")

	return s, nil
}

// Name returns the skill name this sandbox runs.
func (s *Sandbox) Name() string {
	return s.name
}

// Start runs guest initialization under the execution timeout. A guest
// that traps, exceeds the timeout, or reports a startup failure is
// disposed before Start returns.
func (s *Sandbox) Start(ctx context.Context) error {
	s.callMu.Lock()
	defer s.callMu.Unlock()
	if s.isDisposed() {
		return ErrDisposed
	}

	runCtx, cancel := s.execContext(ctx)
	defer cancel()

	if init := s.module.ExportedFunction("_initialize"); init != nil {
		if _, err := init.Call(runCtx); err != nil {
			return s.failExec(err)
		}
	}

	res, err := s.bdStart.Call(runCtx)
	if err != nil {
		return s.failExec(err)
	}
	if len(res) > 0 && res[0] != 0 {
		msg, _ := readPacked(s.module, res[0])
		s.freeGuest(runCtx, res[0])
		startErr := fmt.Errorf("guest start failed: %s", msg)
		s.dispose(ExitError, startErr)
		return startErr
	}
	return nil
}

// Call invokes a guest function with JSON-encoded arguments. A trap,
// timeout, or guest exit disposes the sandbox; capability denials do not,
// they are returned to the guest in-band.
func (s *Sandbox) Call(ctx context.Context, fn string, args []byte) (json.RawMessage, error) {
	s.callMu.Lock()
	defer s.callMu.Unlock()
	if s.isDisposed() {
		return nil, ErrDisposed
	}

	finish := s.metrics.StartExecution()
	runCtx, cancel := s.execContext(ctx)
	defer cancel()

	fnPacked := writeToModule(runCtx, s.module, []byte(fn))
	argsPacked := writeToModule(runCtx, s.module, args)
	if (fnPacked == 0 && fn != "") || (argsPacked == 0 && len(args) > 0) {
		finish(s.name, "error")
		err := errors.New("guest allocation failed")
		s.dispose(ExitError, err)
		return nil, err
	}

	res, err := s.bdCall.Call(runCtx,
		uint64(fnPacked>>32), uint64(uint32(fnPacked)),
		uint64(argsPacked>>32), uint64(uint32(argsPacked)))
	if err != nil {
		reason, rerr := s.classify(err)
		finish(s.name, string(reason))
		s.dispose(reason, rerr)
		if rerr == nil {
			rerr = ErrDisposed
		}
		return nil, rerr
	}

	s.freeGuest(runCtx, fnPacked)
	s.freeGuest(runCtx, argsPacked)

	var result []byte
	if len(res) > 0 {
		data, ok := readPacked(s.module, res[0])
		if !ok {
			finish(s.name, "error")
			err := errors.New("guest returned an unreadable buffer")
			s.dispose(ExitError, err)
			return nil, err
		}
		s.freeGuest(runCtx, res[0])
		result = data
	}

	finish(s.name, "ok")
	return result, nil
}

// Stop shuts the sandbox down, giving the guest a brief chance to clean
// up when it exports bd_stop and is not mid-call.
func (s *Sandbox) Stop(ctx context.Context) {
	if s.bdStop != nil && !s.isDisposed() && s.callMu.TryLock() {
		stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_, _ = s.bdStop.Call(stopCtx)
		cancel()
		s.callMu.Unlock()
	}
	s.dispose(ExitStopped, nil)
}

// Dispose tears the sandbox down immediately. Safe to call repeatedly;
// the exit callback still fires only once.
func (s *Sandbox) Dispose() {
	s.dispose(ExitStopped, nil)
}

func (s *Sandbox) isDisposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

func (s *Sandbox) execContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return context.WithCancel(ctx)
}

// failExec classifies an execution error, disposes the sandbox, and
// returns the caller-facing error. Clean guest exits are not errors.
func (s *Sandbox) failExec(err error) error {
	reason, rerr := s.classify(err)
	s.dispose(reason, rerr)
	return rerr
}

func (s *Sandbox) classify(err error) (ExitReason, error) {
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case 0:
			return ExitCompleted, nil
		case sys.ExitCodeDeadlineExceeded:
			return ExitTimeout, fmt.Errorf("execution exceeded %s", s.timeout)
		case sys.ExitCodeContextCanceled:
			return ExitStopped, nil
		default:
			return ExitError, fmt.Errorf("guest exited with code %d", exitErr.ExitCode())
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ExitTimeout, fmt.Errorf("execution exceeded %s", s.timeout)
	}
	if errors.Is(err, context.Canceled) {
		return ExitStopped, nil
	}
	return ExitError, err
}

// dispose releases the runtime and fires the exit callback. Idempotent.
func (s *Sandbox) dispose(reason ExitReason, cause error) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.mu.Unlock()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.module != nil {
		_ = s.module.Close(closeCtx)
	}
	_ = s.runtime.Close(closeCtx)

	if cause != nil {
		s.logger.Warn("sandbox disposed", "reason", reason, "error", cause)
	} else {
		s.logger.Info("sandbox disposed", "reason", reason)
	}

	if s.onExit != nil {
		s.exitOnce.Do(func() { s.onExit(reason, cause) })
	}
}

// hostCall is the bd.host_call import: the single entry point for every
// guest capability request. Errors are returned to the guest in-band as
// {"error": "..."}.
func (s *Sandbox) hostCall(ctx context.Context, mod api.Module, fnPtr, fnLen, argsPtr, argsLen uint32) uint64 {
	fn, ok := readString(mod, fnPtr, fnLen)
	if !ok || fn == "" {
		return 0
	}
	args, _ := readBytes(mod, argsPtr, argsLen)
	if len(args) == 0 {
		args = []byte("{}")
	}

	result, err := s.host.Dispatch(ctx, fn, args)
	if err != nil {
		payload, merr := json.Marshal(map[string]string{"error": err.Error()})
		if merr != nil {
			return 0
		}
		result = payload
	}
	return writeToModule(ctx, mod, result)
}

// hostLog is the bd.log import: tagged console output, levels 0-3.
func (s *Sandbox) hostLog(_ context.Context, mod api.Module, level, msgPtr, msgLen uint32) {
	msg, ok := readString(mod, msgPtr, msgLen)
	if !ok || msg == "" {
		return
	}
	if s.host != nil && s.host.Console != nil {
		s.host.Console(level, msg)
	}
	switch level {
	case 0:
		s.logger.Debug(msg)
	case 2:
		s.logger.Warn(msg)
	case 3:
		s.logger.Error(msg)
	default:
		s.logger.Info(msg)
	}
}

func readBytes(mod api.Module, ptr, length uint32) ([]byte, bool) {
	if mod == nil || ptr == 0 || length == 0 {
		return nil, false
	}
	view, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(view))
	copy(out, view)
	return out, true
}

func readString(mod api.Module, ptr, length uint32) (string, bool) {
	data, ok := readBytes(mod, ptr, length)
	if !ok {
		return "", false
	}
	return string(data), true
}

func readPacked(mod api.Module, packed uint64) ([]byte, bool) {
	ptr := uint32(packed >> 32)
	length := uint32(packed)
	if ptr == 0 || length == 0 {
		return nil, true
	}
	return readBytes(mod, ptr, length)
}

// writeToModule copies data into guest memory via bd_malloc, returning
// the packed (ptr<<32)|len or 0 on failure.
func writeToModule(ctx context.Context, mod api.Module, data []byte) uint64 {
	if len(data) == 0 {
		return 0
	}
	malloc := mod.ExportedFunction("bd_malloc")
	if malloc == nil {
		return 0
	}
	res, err := malloc.Call(ctx, uint64(len(data)))
	if err != nil || len(res) == 0 {
		return 0
	}
	ptr := uint32(res[0])
	if ptr == 0 || !mod.Memory().Write(ptr, data) {
		return 0
	}
	return uint64(ptr)<<32 | uint64(len(data))
}

func (s *Sandbox) freeGuest(ctx context.Context, packed uint64) {
	ptr := uint32(packed >> 32)
	if ptr == 0 || s.bdFree == nil {
		return
	}
	_, _ = s.bdFree.Call(ctx, uint64(ptr))
}
