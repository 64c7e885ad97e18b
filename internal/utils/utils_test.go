package utils

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_WithFieldsSorted(t *testing.T) {
	var buf bytes.Buffer
	logger := &Logger{out: &buf, level: DEBUG, enabled: true}

	child := logger.With(Fields{"workspace_id": "ws1"})
	child.Info("提交开始", Fields{"draft_id": "d1", "stage": "saving"})

	line := buf.String()
	assert.Contains(t, line, "[INFO]")
	assert.Contains(t, line, "提交开始")
	assert.True(t, strings.Index(line, "draft_id=d1") < strings.Index(line, "stage=saving"))
	assert.True(t, strings.Index(line, "stage=saving") < strings.Index(line, "workspace_id=ws1"))
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := &Logger{out: &buf, level: WARNING, enabled: true}

	logger.Info("hidden", nil)
	logger.Debug("hidden", nil)
	logger.Warn("shown", nil)

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestDailyLogFile(t *testing.T) {
	day := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, filepath.Join("logs", "proposals_2026-03-09.log"), DailyLogFile("logs", day))
}

func TestPipelineMetrics_Counters(t *testing.T) {
	m := NewPipelineMetrics()

	m.RecordGeneration(OutcomeReady, 3*time.Second)
	m.RecordGeneration(OutcomePending, 0)
	m.RecordDeck(OutcomeFastPath)
	m.RecordPollAttempt(PollKindContent)
	m.RecordPollAttempt(PollKindContent)
	m.SetActiveSessions(4)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.generationTotal.WithLabelValues(OutcomeReady)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deckTotal.WithLabelValues(OutcomeFastPath)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.pollAttemptsTotal.WithLabelValues(PollKindContent)))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.sessionsActive))

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["proposal_generation_total"])
	assert.True(t, names["proposal_generation_duration_seconds"])
}
