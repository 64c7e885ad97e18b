package services

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/ProposalPilot/internal/config"
	"github.com/Corphon/ProposalPilot/internal/storage"
)

func initTestConfig(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("LOG_DIR", filepath.Join(dir, "logs"))
	t.Setenv("STORE_BACKEND", config.StoreBackendMemory)
	t.Setenv("PIPELINE_CONFIG", "")
	t.Setenv("POLL_INTERVAL_MS", "")
	t.Setenv("POLL_MAX_ATTEMPTS", "")
	require.NoError(t, config.InitConfig(filepath.Join(dir, "data")))
}

func newSubscribedSessions(t *testing.T, svc *ConfigService) *PipelineDeps {
	t.Helper()
	deps := &PipelineDeps{Store: storage.NewMemoryDraftStore()}
	sessions := NewSessionService(deps)
	t.Cleanup(func() {
		sessions.Stop()
		deps.Locks.Stop()
	})
	svc.SubscribeToChanges(sessions)
	return deps
}

func TestConfigServiceUpdateAppliesToSessions(t *testing.T) {
	initTestConfig(t)
	svc := NewConfigService()
	deps := newSubscribedSessions(t, svc)

	p := svc.GetPipelineConfig("tester")
	p.PollMaxAttempts = 5
	p.PollIntervalMS = 250
	require.NoError(t, svc.UpdatePipelineConfig(p, "admin"))

	assert.Equal(t, 5, deps.Pipeline().PollMaxAttempts)
	assert.Equal(t, 5, deps.pollConfig().MaxAttempts)
	assert.Equal(t, 5, config.GetCurrentConfig().Pipeline.PollMaxAttempts)
	assert.Equal(t, 250, svc.GetPipelineConfig("tester").PollIntervalMS)

	history := svc.GetChangeHistory(10)
	require.Len(t, history, 1)
	assert.Equal(t, "admin", history[0].ChangedBy)
	assert.Equal(t, 30, history[0].OldValue.(config.PipelineConfig).PollMaxAttempts)
}

func TestConfigServiceRejectsInvalidPipeline(t *testing.T) {
	initTestConfig(t)
	svc := NewConfigService()
	deps := newSubscribedSessions(t, svc)
	before := deps.Pipeline()

	p := svc.GetPipelineConfig("tester")
	p.PollIntervalMS = 0
	assert.Error(t, svc.UpdatePipelineConfig(p, "admin"))
	assert.Error(t, svc.UpdatePipelineConfig(before, ""))

	assert.Equal(t, before, deps.Pipeline())
	assert.Empty(t, svc.GetChangeHistory(0))
}

func TestConfigServiceUnsubscribe(t *testing.T) {
	initTestConfig(t)
	svc := NewConfigService()
	deps := newSubscribedSessions(t, svc)
	before := deps.Pipeline()

	sessions := svc.subscribers[0]
	svc.UnsubscribeFromChanges(sessions)

	p := before
	p.PollMaxAttempts = 7
	require.NoError(t, svc.UpdatePipelineConfig(p, "admin"))
	assert.Equal(t, before.PollMaxAttempts, deps.Pipeline().PollMaxAttempts)
}

func TestConfigServiceAudit(t *testing.T) {
	initTestConfig(t)
	svc := NewConfigService()

	svc.GetCurrentConfig("alice")
	assert.Nil(t, svc.GetAuditLog(10))

	svc.EnableAudit(true)
	svc.GetCurrentConfig("alice")
	p := svc.GetPipelineConfig("bob")
	require.NoError(t, svc.UpdatePipelineConfig(p, "bob"))

	entries := svc.GetAuditLog(0)
	require.GreaterOrEqual(t, len(entries), 3)
	assert.Equal(t, "alice", entries[0].User)
	assert.Equal(t, "write", entries[len(entries)-1].Action)

	assert.Len(t, svc.GetAuditLog(1), 1)
}
