package node

import (
	"context"
	"time"

	"github.com/KrizPB/buhdi-node-sub000/internal/audit"
	"github.com/KrizPB/buhdi-node-sub000/internal/sandbox"
)

// watchHealth defers the upstream deploy result until the health window
// closes. A skill still alive at the end, or stopped cleanly, reports the
// result as-is; a crash inside the window hands reporting to the rollback
// path instead.
func (m *Manager) watchHealth(name string, result *DeployResult) {
	m.mu.Lock()
	act := m.running[name]
	m.mu.Unlock()
	if act == nil {
		m.report(result)
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		timer := time.NewTimer(m.healthWindow)
		defer timer.Stop()
		select {
		case <-timer.C:
			m.logger.Debug("health window passed", "skill", name)
			m.report(result)
		case <-act.exited:
			// A crash hands reporting to the rollback path. A clean
			// stop settles the deploy as-is.
			if !act.crashed {
				m.report(result)
			}
		}
	}()
}

// handleExit is the sandbox exit callback: registry cleanup, status
// bookkeeping, and the health-window crash response.
func (m *Manager) handleExit(name string, act *activeSkill, reason sandbox.ExitReason, cause error) {
	m.mu.Lock()
	if m.running[name] != act {
		// A newer isolate owns the name; this exit is stale.
		m.mu.Unlock()
		close(act.exited)
		return
	}
	delete(m.running, name)
	runningCount := len(m.running)
	withinWindow := act.started && time.Since(act.startedAt) < m.healthWindow
	m.mu.Unlock()
	// Bookkeeping settles before exited closes so the health watcher sees
	// the outcome.
	defer close(act.exited)
	m.metrics.SetRunning(runningCount)

	if !act.started {
		// Start itself failed; the synchronous caller reports it.
		return
	}
	if m.sched != nil {
		m.sched.Remove(name)
	}

	if reason == sandbox.ExitStopped {
		m.setStatus(name, SkillStopped, "")
		m.events.Publish(Event{Skill: name, Type: EventStopped})
		return
	}

	act.crashed = true
	msg := string(reason)
	if cause != nil {
		msg = cause.Error()
	}
	m.setStatus(name, SkillError, msg)
	m.events.Publish(Event{Skill: name, Type: EventError, Data: msg})
	m.auditLog(audit.ActionError, name, act.version, "", msg)
	m.logger.Warn("skill exited", "skill", name, "version", act.version, "reason", reason, "error", cause)

	if withinWindow {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.rollback(name, act.version, msg)
		}()
	}
}

// rollback walks the archives newest-first and brings up the first version
// that restores and starts. Runs detached after a health-window crash.
func (m *Manager) rollback(name, fromVersion, reason string) {
	ctx := context.Background()
	lock := m.lockName(name)
	lock.Lock()
	defer lock.Unlock()

	// The skill may have been uninstalled or replaced while this was
	// queued.
	if !m.store.IsInstalled(name) || m.isRunning(name) {
		return
	}

	result := &DeployResult{
		Skill:   name,
		Version: fromVersion,
		Status:  StatusError,
		Reasons: []string{reason},
	}

	versions, err := m.store.Archives(name)
	if err != nil {
		m.logger.Error("listing archives for rollback", "skill", name, "error", err)
		result.Reasons = append(result.Reasons, "archive listing failed: "+err.Error())
		m.report(result)
		return
	}

	for _, version := range versions {
		if version == fromVersion {
			continue
		}
		restored, err := m.store.RestoreArchive(name, version)
		if err != nil {
			m.logger.Warn("archive not restorable", "skill", name, "version", version, "error", err)
			continue
		}
		m.setRecord(restored, SkillInstalled, "")
		if err := m.startLocked(ctx, name); err != nil {
			m.logger.Warn("restored version failed to start", "skill", name, "version", version, "error", err)
			continue
		}

		result.RolledBackTo = version
		m.metrics.RecordRollback(name)
		m.auditLog(audit.ActionRollback, name, version, "", "crashed within health window: "+reason)
		m.events.Publish(Event{Skill: name, Type: EventRolledBack, Data: version})
		m.logger.Info("rolled back", "skill", name, "from", fromVersion, "to", version)
		m.report(result)
		return
	}

	hcf := &HealthCheckFailure{Skill: name, Reason: reason}
	if len(versions) > 0 {
		result.Reasons = append(result.Reasons, "no archived version could be restored")
	} else {
		result.Reasons = append(result.Reasons, "no archived version to roll back to")
	}
	m.setStatus(name, SkillError, hcf.Error())
	m.logger.Error("rollback failed", "skill", name, "reason", reason)
	m.report(result)
}
