package node

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/KrizPB/buhdi-node-sub000/internal/audit"
	"github.com/KrizPB/buhdi-node-sub000/internal/signing"
	"github.com/KrizPB/buhdi-node-sub000/internal/store"
	"github.com/KrizPB/buhdi-node-sub000/internal/trust"
	"github.com/KrizPB/buhdi-node-sub000/pkg/skill"
)

// DeployCommand carries one deploy request: an untrusted manifest document,
// the code bundle, and its provenance credentials.
type DeployCommand struct {
	Manifest    []byte `json:"manifest"`
	Code        []byte `json:"code"`
	Signature   string `json:"signature,omitempty"`
	CodeHash    string `json:"codeHash,omitempty"`
	Nonce       string `json:"nonce,omitempty"`
	Bypass      bool   `json:"bypass,omitempty"`
	InitiatedBy string `json:"initiatedBy,omitempty"`
}

// Deploy runs the full pipeline: validate, verify provenance, enforce
// quotas, trust-gate, then install or update. Expected refusals come back
// as statuses with reasons; the error taxonomy stays internal.
func (m *Manager) Deploy(ctx context.Context, cmd DeployCommand) *DeployResult {
	result := &DeployResult{ID: uuid.NewString()}

	mf, problems := skill.ValidateManifest(cmd.Manifest)
	if len(problems) > 0 {
		result.Status = StatusRejected
		result.Reasons = problems
		m.metrics.RecordDeploy(StatusRejected)
		m.auditLog(audit.ActionError, "unknown", "", cmd.InitiatedBy,
			(&ValidationError{Problems: problems}).Error())
		m.report(result)
		return result
	}
	result.Skill = mf.Name
	result.Version = mf.Version

	cred := signing.Credentials{
		Signature: cmd.Signature,
		CodeHash:  cmd.CodeHash,
		Nonce:     cmd.Nonce,
		Bypass:    cmd.Bypass,
	}
	if err := m.verifier.Verify(ctx, cmd.Code, cred); err != nil {
		result.Status = StatusRejected
		result.Reasons = []string{err.Error()}
		m.metrics.RecordDeploy(StatusRejected)
		m.auditLog(audit.ActionError, mf.Name, mf.Version, cmd.InitiatedBy, err.Error())
		m.report(result)
		return result
	}

	lock := m.lockName(mf.Name)
	lock.Lock()
	defer lock.Unlock()

	isNew := !m.store.IsInstalled(mf.Name)

	var escalations []string
	if !isNew {
		prev, err := m.store.ReadManifest(mf.Name)
		if err != nil {
			result.Status = StatusError
			result.Reasons = []string{fmt.Sprintf("reading installed manifest: %v", err)}
			m.metrics.RecordDeploy(StatusError)
			m.report(result)
			return result
		}
		escalations = skill.EscalatedPermissions(prev.Permissions, mf.Permissions)
	}

	if isNew {
		if err := m.checkCapacity(len(cmd.Code)); err != nil {
			result.Status = StatusRejected
			result.Reasons = []string{err.Error()}
			m.metrics.RecordDeploy(StatusRejected)
			m.auditLog(audit.ActionError, mf.Name, mf.Version, cmd.InitiatedBy, err.Error())
			m.report(result)
			return result
		}
	}

	if !trust.ShouldAutoApprove(m.trust, isNew, len(escalations) > 0) {
		reasons := pendReasons(isNew, escalations)
		m.mu.Lock()
		m.pending[mf.Name] = &PendingDeploy{
			ID:          result.ID,
			Manifest:    mf,
			Code:        cmd.Code,
			InitiatedBy: cmd.InitiatedBy,
			Reasons:     reasons,
			ReceivedAt:  time.Now().UTC(),
		}
		m.mu.Unlock()

		result.Status = StatusPending
		result.Reasons = reasons
		m.metrics.RecordDeploy(StatusPending)
		m.auditLog(audit.ActionDeploy, mf.Name, mf.Version, cmd.InitiatedBy, "pending approval")
		m.events.Publish(Event{Skill: mf.Name, Type: EventPending})
		m.report(result)
		return result
	}

	return m.promote(ctx, result, mf, cmd.Code, isNew, cmd.InitiatedBy)
}

// Approve promotes a pending deploy through the install/update path.
func (m *Manager) Approve(ctx context.Context, name, initiatedBy string) (*DeployResult, error) {
	lock := m.lockName(name)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	p := m.pending[name]
	delete(m.pending, name)
	m.mu.Unlock()
	if p == nil {
		return nil, fmt.Errorf("no pending deploy for %q", name)
	}

	m.auditLog(audit.ActionDeploy, name, p.Manifest.Version, initiatedBy, "approved")
	result := &DeployResult{ID: p.ID, Skill: name, Version: p.Manifest.Version}
	isNew := !m.store.IsInstalled(name)
	return m.promote(ctx, result, p.Manifest, p.Code, isNew, initiatedBy), nil
}

// Reject discards a pending deploy. Nothing was written, so nothing is
// removed.
func (m *Manager) Reject(name, initiatedBy, reason string) (*DeployResult, error) {
	m.mu.Lock()
	p := m.pending[name]
	delete(m.pending, name)
	m.mu.Unlock()
	if p == nil {
		return nil, fmt.Errorf("no pending deploy for %q", name)
	}

	if reason == "" {
		reason = "rejected"
	}
	m.auditLog(audit.ActionDeploy, name, p.Manifest.Version, initiatedBy, reason)
	m.events.Publish(Event{Skill: name, Type: EventRejected})

	result := &DeployResult{
		ID:      p.ID,
		Skill:   name,
		Version: p.Manifest.Version,
		Status:  StatusRejected,
		Reasons: []string{reason},
	}
	m.metrics.RecordDeploy(StatusRejected)
	m.report(result)
	return result, nil
}

// Uninstall stops a skill, releases its vault and exchange data, and
// removes it from disk and the registry.
func (m *Manager) Uninstall(ctx context.Context, name, initiatedBy string) error {
	lock := m.lockName(name)
	lock.Lock()
	defer lock.Unlock()

	if !m.store.IsInstalled(name) {
		return store.ErrNotInstalled
	}
	version := m.currentVersion(name)

	m.stopLocked(ctx, name)

	if m.vault != nil {
		if err := m.vault.DeleteAll(ctx, name); err != nil {
			m.logger.Warn("vault release failed", "skill", name, "error", err)
		}
	}
	if m.exchange != nil {
		if err := m.exchange.Purge(ctx, name); err != nil {
			m.logger.Warn("exchange purge failed", "skill", name, "error", err)
		}
	}
	if err := m.store.Remove(name); err != nil {
		return fmt.Errorf("removing skill directory: %w", err)
	}

	m.mu.Lock()
	delete(m.records, name)
	delete(m.pending, name)
	m.mu.Unlock()
	m.logs.Clear(name)

	m.auditLog(audit.ActionUninstall, name, version, initiatedBy, "")
	m.events.Publish(Event{Skill: name, Type: EventUninstalled})
	m.logger.Info("skill uninstalled", "skill", name, "version", version)
	return nil
}

// promote writes a validated, verified, approved deploy to disk and brings
// it up. Caller holds the name lock.
func (m *Manager) promote(ctx context.Context, result *DeployResult, mf *skill.Manifest, code []byte, isNew bool, initiatedBy string) *DeployResult {
	if isNew {
		return m.installNew(ctx, result, mf, code, initiatedBy)
	}
	return m.updateExisting(ctx, result, mf, code, initiatedBy)
}

func (m *Manager) installNew(ctx context.Context, result *DeployResult, mf *skill.Manifest, code []byte, initiatedBy string) *DeployResult {
	if err := m.store.WriteCurrent(mf, code); err != nil {
		result.Status = StatusError
		result.Reasons = []string{err.Error()}
		m.metrics.RecordDeploy(StatusError)
		m.report(result)
		return result
	}
	m.setRecord(mf, SkillInstalled, "")
	result.Status = StatusInstalled
	m.metrics.RecordDeploy(StatusInstalled)
	m.auditLog(audit.ActionDeploy, mf.Name, mf.Version, initiatedBy, "installed")
	m.events.Publish(Event{Skill: mf.Name, Type: EventInstalled})

	if err := m.startLocked(ctx, mf.Name); err != nil {
		result.Status = StatusError
		result.Reasons = append(result.Reasons, "start failed: "+err.Error())
		m.report(result)
		return result
	}
	m.watchHealth(mf.Name, result)
	return result
}

func (m *Manager) updateExisting(ctx context.Context, result *DeployResult, mf *skill.Manifest, code []byte, initiatedBy string) *DeployResult {
	oldVersion, err := m.store.Archive(mf.Name)
	if err != nil {
		result.Status = StatusError
		result.Reasons = []string{"archiving current version: " + err.Error()}
		m.metrics.RecordDeploy(StatusError)
		m.report(result)
		return result
	}

	wasRunning := m.isRunning(mf.Name)
	if wasRunning {
		m.stopLocked(ctx, mf.Name)
	}

	if err := m.store.WriteCurrent(mf, code); err != nil {
		result.Status = StatusError
		result.Reasons = []string{err.Error()}
		m.metrics.RecordDeploy(StatusError)
		m.report(result)
		return result
	}
	m.setRecord(mf, SkillInstalled, "")
	result.Status = StatusUpdated
	m.metrics.RecordDeploy(StatusUpdated)
	m.auditLog(audit.ActionUpdate, mf.Name, mf.Version, initiatedBy, "updated from "+oldVersion)
	m.events.Publish(Event{Skill: mf.Name, Type: EventUpdated})

	if !wasRunning {
		m.report(result)
		return result
	}

	if err := m.startLocked(ctx, mf.Name); err != nil {
		return m.restoreAfterFailedStart(ctx, result, mf.Name, oldVersion, err)
	}
	m.watchHealth(mf.Name, result)
	return result
}

// restoreAfterFailedStart puts the archived version back after a new
// version refused to start. Caller holds the name lock.
func (m *Manager) restoreAfterFailedStart(ctx context.Context, result *DeployResult, name, oldVersion string, startErr error) *DeployResult {
	result.Status = StatusError
	result.Reasons = []string{"start failed: " + startErr.Error()}

	restored, err := m.store.RestoreArchive(name, oldVersion)
	if err != nil {
		result.Reasons = append(result.Reasons, "restore failed: "+err.Error())
		m.setStatus(name, SkillError, (&HealthCheckFailure{
			Skill: name, Reason: startErr.Error(), RollbackErr: err,
		}).Error())
		m.report(result)
		return result
	}
	m.setRecord(restored, SkillInstalled, "")

	if err := m.startLocked(ctx, name); err != nil {
		result.Reasons = append(result.Reasons, "restored version failed to start: "+err.Error())
		m.report(result)
		return result
	}

	result.RolledBackTo = oldVersion
	m.metrics.RecordRollback(name)
	m.auditLog(audit.ActionRollback, name, oldVersion, "", "new version failed to start: "+startErr.Error())
	m.events.Publish(Event{Skill: name, Type: EventRolledBack, Data: oldVersion})
	m.report(result)
	return result
}

// checkCapacity enforces the node-wide skill-count and disk quotas for a
// fresh install.
func (m *Manager) checkCapacity(codeLen int) error {
	count, err := m.store.Count()
	if err != nil {
		return err
	}
	if count >= m.maxSkills {
		return &CapacityError{
			Quota:  "skills",
			Reason: fmt.Sprintf("%d skills installed, limit %d", count, m.maxSkills),
		}
	}
	usage, err := m.store.Usage()
	if err != nil {
		return err
	}
	if usage+int64(codeLen) > m.maxDiskBytes {
		return &CapacityError{
			Quota: "disk",
			Reason: fmt.Sprintf("%d MB in use, bundle would exceed the %d MB limit",
				usage>>20, m.maxDiskBytes>>20),
		}
	}
	return nil
}

func pendReasons(isNew bool, escalations []string) []string {
	var reasons []string
	if isNew {
		reasons = append(reasons, "new skill requires approval")
	}
	for _, e := range escalations {
		reasons = append(reasons, "permission escalation: "+e)
	}
	if len(reasons) == 0 {
		reasons = append(reasons, "trust level requires approval")
	}
	return reasons
}
