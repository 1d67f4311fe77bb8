// Package schedule runs skill cron triggers. One Service wraps one
// robfig/cron instance; skills register at start and are removed when they
// stop, so a disabled skill never fires.
package schedule

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

type options struct {
	Logger   *slog.Logger
	Cron     *cron.Cron
	Parser   cron.Parser
	Location *time.Location
}

// Option applies configuration to the schedule service.
type Option func(*options)

func defaultOptions() options {
	return options{
		Logger:   slog.Default(),
		Parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		Location: time.UTC,
	}
}

// WithLogger injects a custom logger implementation.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithCron supplies a preconfigured cron scheduler instance.
func WithCron(c *cron.Cron) Option {
	return func(o *options) {
		o.Cron = c
	}
}

// WithParser allows replacing the cron expression parser.
func WithParser(p cron.Parser) Option {
	return func(o *options) {
		o.Parser = p
	}
}

// WithLocation sets the scheduler timezone location.
func WithLocation(loc *time.Location) Option {
	return func(o *options) {
		o.Location = loc
	}
}

// Service maps skill names to cron entries.
type Service struct {
	cron   *cron.Cron
	parser cron.Parser
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New builds a Service. The cron instance is not started; call Start.
func New(opts ...Option) *Service {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.Logger.With("component", "schedule")
	c := o.Cron
	if c == nil {
		c = cron.New(
			cron.WithParser(o.Parser),
			cron.WithLocation(o.Location),
			cron.WithChain(cron.Recover(cronLogger{logger})),
		)
	}
	return &Service{
		cron:    c,
		parser:  o.Parser,
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
}

// Start begins firing triggers.
func (s *Service) Start() {
	s.cron.Start()
}

// Stop halts the trigger loop and waits for in-flight jobs.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
}

// Add registers or replaces the trigger for one skill. spec is a standard
// five-field cron expression.
func (s *Service) Add(name, spec string, job func()) error {
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
	}
	s.entries[name] = s.cron.Schedule(sched, cron.FuncJob(job))
	s.logger.Debug("trigger registered", "skill", name, "spec", spec)
	return nil
}

// Remove drops the trigger for one skill. Unknown names are a no-op.
func (s *Service) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[name]
	if !ok {
		return
	}
	s.cron.Remove(id)
	delete(s.entries, name)
	s.logger.Debug("trigger removed", "skill", name)
}

// Names lists skills with a registered trigger.
func (s *Service) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for name := range s.entries {
		out = append(out, name)
	}
	return out
}

// cronLogger adapts slog to the cron.Logger interface used by the
// panic-recovery chain.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Info(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	args := append([]any{"error", err}, keysAndValues...)
	c.l.Error(msg, args...)
}
