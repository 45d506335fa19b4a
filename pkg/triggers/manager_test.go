package triggers

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/casare-rpa/orchestrator/pkg/apperrors"
	"github.com/casare-rpa/orchestrator/pkg/models"
)

func newTestManager(creator JobCreator) *Manager {
	return NewManager(creator, zap.NewNop())
}

func webhookTrigger(id, endpoint string) *models.Trigger {
	return &models.Trigger{
		ID:         id,
		Name:       id,
		Type:       models.TriggerTypeWebhook,
		WorkflowID: "wf-1",
		Enabled:    true,
		Config:     models.TriggerConfig{"endpoint": endpoint},
	}
}

func TestRegister_EndpointReservation(t *testing.T) {
	m := newTestManager(nil)

	require.NoError(t, m.Register(webhookTrigger("t1", "/github")))
	err := m.Register(webhookTrigger("t2", "/github"))
	assert.ErrorIs(t, err, apperrors.ErrEndpointReserved)

	// Releasing the endpoint frees it for reuse.
	assert.True(t, m.Unregister("t1"))
	require.NoError(t, m.Register(webhookTrigger("t2", "/github")))

	id, ok := m.ResolveEndpoint("/github")
	require.True(t, ok)
	assert.Equal(t, "t2", id)
}

func TestRegister_AliasReservation(t *testing.T) {
	m := newTestManager(nil)

	call := func(id string) *models.Trigger {
		return &models.Trigger{
			ID:      id,
			Type:    models.TriggerTypeWorkflowCall,
			Enabled: true,
			Config:  models.TriggerConfig{"call_alias": "billing"},
		}
	}
	require.NoError(t, m.Register(call("t1")))
	assert.ErrorIs(t, m.Register(call("t2")), apperrors.ErrAliasReserved)
}

func TestRegister_Validation(t *testing.T) {
	m := newTestManager(nil)

	assert.ErrorIs(t, m.Register(&models.Trigger{}), apperrors.ErrValidation, "missing id")

	require.NoError(t, m.Register(webhookTrigger("dup", "/a")))
	assert.ErrorIs(t, m.Register(webhookTrigger("dup", "/b")), apperrors.ErrConflict)

	noCron := &models.Trigger{ID: "s1", Type: models.TriggerTypeSchedule, Enabled: true, Config: models.TriggerConfig{}}
	assert.ErrorIs(t, m.Register(noCron), apperrors.ErrValidation)

	badCron := &models.Trigger{ID: "s2", Type: models.TriggerTypeSchedule, Enabled: true,
		Config: models.TriggerConfig{"cron": "not a cron"}}
	assert.ErrorIs(t, m.Register(badCron), apperrors.ErrValidation)
}

func TestEmit_Counters(t *testing.T) {
	calls := 0
	m := newTestManager(func(event models.TriggerEvent) error {
		calls++
		if calls == 2 {
			return errors.New("queue full")
		}
		return nil
	})
	require.NoError(t, m.Register(webhookTrigger("t1", "/hook")))

	fired, err := m.Emit("t1", map[string]any{"k": "v"}, models.EventSource{Method: "POST"})
	require.NoError(t, err)
	assert.True(t, fired)

	// Creator failure still counts as fired; the error is recorded.
	fired, err = m.Emit("t1", nil, models.EventSource{})
	require.NoError(t, err)
	assert.True(t, fired)

	tr := m.Get("t1")
	require.NotNil(t, tr)
	assert.Equal(t, int64(2), tr.Counters.Fired)
	assert.Equal(t, int64(1), tr.Counters.Succeeded)
	assert.Equal(t, int64(1), tr.Counters.Errored)
	assert.NotNil(t, tr.LastFired)
}

func TestEmit_UnknownAndDisabled(t *testing.T) {
	m := newTestManager(nil)

	_, err := m.Emit("ghost", nil, models.EventSource{})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	require.NoError(t, m.Register(webhookTrigger("t1", "/hook")))
	require.NoError(t, m.SetEnabled("t1", false))
	_, err = m.Emit("t1", nil, models.EventSource{})
	assert.ErrorIs(t, err, apperrors.ErrTriggerDisabled)
}

func TestEmit_CooldownDeclines(t *testing.T) {
	m := newTestManager(nil)
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	tr := webhookTrigger("t1", "/hook")
	tr.Config["cooldown_seconds"] = float64(60)
	require.NoError(t, m.Register(tr))

	fired, err := m.FireTrigger("t1", nil)
	require.NoError(t, err)
	assert.True(t, fired)

	// Inside the window: declined without error.
	m.now = func() time.Time { return base.Add(30 * time.Second) }
	fired, err = m.FireTrigger("t1", nil)
	require.NoError(t, err)
	assert.False(t, fired)

	// After the window expires it fires again.
	m.now = func() time.Time { return base.Add(61 * time.Second) }
	fired, err = m.FireTrigger("t1", nil)
	require.NoError(t, err)
	assert.True(t, fired)

	assert.Equal(t, int64(2), m.Get("t1").Counters.Fired)
}

func TestEmit_CreatorPanicIsolated(t *testing.T) {
	m := newTestManager(func(models.TriggerEvent) error {
		panic("boom")
	})
	require.NoError(t, m.Register(webhookTrigger("t1", "/hook")))

	fired, err := m.Emit("t1", nil, models.EventSource{})
	require.NoError(t, err)
	assert.True(t, fired)
	assert.Equal(t, int64(1), m.Get("t1").Counters.Errored)
}

func TestEmit_EventFields(t *testing.T) {
	var got models.TriggerEvent
	m := newTestManager(func(event models.TriggerEvent) error {
		got = event
		return nil
	})
	tr := webhookTrigger("t1", "/hook")
	tr.ScenarioID = "scn-7"
	require.NoError(t, m.Register(tr))

	_, err := m.Emit("t1", map[string]any{"order": "42"}, models.EventSource{Method: "POST", Path: "/hooks/t1"})
	require.NoError(t, err)

	assert.Equal(t, "t1", got.TriggerID)
	assert.Equal(t, models.TriggerTypeWebhook, got.TriggerType)
	assert.Equal(t, "scn-7", got.ScenarioID)
	assert.Equal(t, "wf-1", got.WorkflowID)
	assert.Equal(t, "42", got.Payload["order"])
	assert.Equal(t, "/hooks/t1", got.Source.Path)
	assert.False(t, got.FiredAt.IsZero())
}

func TestUpdate_PreservesCounters(t *testing.T) {
	m := newTestManager(nil)
	require.NoError(t, m.Register(webhookTrigger("t1", "/old")))

	_, err := m.FireTrigger("t1", nil)
	require.NoError(t, err)

	updated := webhookTrigger("t1", "/new")
	require.NoError(t, m.Update(updated))

	tr := m.Get("t1")
	assert.Equal(t, int64(1), tr.Counters.Fired)
	assert.NotNil(t, tr.LastFired)

	_, ok := m.ResolveEndpoint("/old")
	assert.False(t, ok, "old endpoint released")
	id, ok := m.ResolveEndpoint("/new")
	require.True(t, ok)
	assert.Equal(t, "t1", id)

	assert.ErrorIs(t, m.Update(webhookTrigger("ghost", "/x")), apperrors.ErrNotFound)
}

func TestCallWorkflow(t *testing.T) {
	var got models.TriggerEvent
	m := newTestManager(func(event models.TriggerEvent) error {
		got = event
		return nil
	})
	require.NoError(t, m.Register(&models.Trigger{
		ID:         "t1",
		Type:       models.TriggerTypeWorkflowCall,
		WorkflowID: "wf-sub",
		Enabled:    true,
		Config:     models.TriggerConfig{"call_alias": "billing"},
	}))

	fired, err := m.CallWorkflow("billing", map[string]any{"invoice": "inv-9"})
	require.NoError(t, err)
	assert.True(t, fired)
	assert.Equal(t, "workflow_call", got.Source.Method)
	assert.Equal(t, "inv-9", got.Payload["invoice"])

	_, err = m.CallWorkflow("unknown", nil)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestCounts(t *testing.T) {
	m := newTestManager(nil)
	require.NoError(t, m.Register(webhookTrigger("t1", "/a")))
	require.NoError(t, m.Register(webhookTrigger("t2", "/b")))
	require.NoError(t, m.SetEnabled("t2", false))

	active, total := m.Counts()
	assert.Equal(t, 1, active)
	assert.Equal(t, 2, total)
}
