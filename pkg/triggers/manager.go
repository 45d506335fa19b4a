package triggers

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/casare-rpa/orchestrator/pkg/apperrors"
	"github.com/casare-rpa/orchestrator/pkg/models"
)

// JobCreator converts a fired trigger event into work, normally by
// enqueuing a job. Errors are counted against the trigger and logged.
type JobCreator func(event models.TriggerEvent) error

// Manager owns the lifecycle of all triggers in the process: registration
// with endpoint/alias reservation, enable/disable, cooldowns, counters,
// and cron scheduling for schedule triggers. The HTTP ingress server and
// programmatic fire paths both route through Emit.
type Manager struct {
	mu        sync.Mutex
	triggers  map[string]*models.Trigger
	endpoints map[string]string
	aliases   map[string]string
	cronIDs   map[string]cron.EntryID

	cron    *cron.Cron
	creator JobCreator
	logger  *zap.Logger
	now     func() time.Time
}

// NewManager creates a trigger manager. creator receives every
// successfully emitted event.
func NewManager(creator JobCreator, logger *zap.Logger) *Manager {
	return &Manager{
		triggers:  make(map[string]*models.Trigger),
		endpoints: make(map[string]string),
		aliases:   make(map[string]string),
		cronIDs:   make(map[string]cron.EntryID),
		cron:      cron.New(),
		creator:   creator,
		logger:    logger.Named("triggers"),
		now:       time.Now,
	}
}

// Start launches the cron scheduler for schedule triggers.
func (m *Manager) Start() {
	m.cron.Start()
	m.logger.Info("trigger manager started")
}

// Stop halts the cron scheduler and waits for running entries.
func (m *Manager) Stop() {
	<-m.cron.Stop().Done()
	m.logger.Info("trigger manager stopped")
}

// ============================================================================
// Registry
// ============================================================================

// Register adds a trigger. Webhook endpoints and workflow-call aliases are
// reserved exclusively within the process; schedule triggers get a cron
// entry.
func (m *Manager) Register(t *models.Trigger) error {
	if t.ID == "" {
		return fmt.Errorf("%w: trigger id is required", apperrors.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.triggers[t.ID]; exists {
		return fmt.Errorf("%w: trigger %s already registered", apperrors.ErrConflict, t.ID)
	}

	endpoint := t.Config.String("endpoint")
	alias := t.Config.String("call_alias")

	if t.Type == models.TriggerTypeWebhook && endpoint != "" {
		if owner, taken := m.endpoints[endpoint]; taken {
			return fmt.Errorf("endpoint %s already reserved by trigger %s: %w",
				endpoint, owner, apperrors.ErrEndpointReserved)
		}
	}
	if t.Type == models.TriggerTypeWorkflowCall && alias != "" {
		if owner, taken := m.aliases[alias]; taken {
			return fmt.Errorf("alias %s already reserved by trigger %s: %w",
				alias, owner, apperrors.ErrAliasReserved)
		}
	}

	if t.Type == models.TriggerTypeSchedule {
		spec := t.Config.String("cron")
		if spec == "" {
			return fmt.Errorf("%w: schedule trigger %s has no cron expression", apperrors.ErrValidation, t.ID)
		}
		id := t.ID
		entryID, err := m.cron.AddFunc(spec, func() { m.fireScheduled(id) })
		if err != nil {
			return fmt.Errorf("%w: invalid cron expression %q: %v", apperrors.ErrValidation, spec, err)
		}
		m.cronIDs[t.ID] = entryID
	}

	if t.Type == models.TriggerTypeWebhook && endpoint != "" {
		m.endpoints[endpoint] = t.ID
	}
	if t.Type == models.TriggerTypeWorkflowCall && alias != "" {
		m.aliases[alias] = t.ID
	}
	m.triggers[t.ID] = t

	m.logger.Info("trigger registered",
		zap.String("trigger_id", t.ID),
		zap.String("type", string(t.Type)),
		zap.String("workflow_id", t.WorkflowID))
	return nil
}

// Unregister removes a trigger and releases its endpoint, alias, and cron
// reservations. Returns false for unknown ids.
func (m *Manager) Unregister(triggerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unregisterLocked(triggerID)
}

func (m *Manager) unregisterLocked(triggerID string) bool {
	t, ok := m.triggers[triggerID]
	if !ok {
		return false
	}
	if endpoint := t.Config.String("endpoint"); endpoint != "" && m.endpoints[endpoint] == triggerID {
		delete(m.endpoints, endpoint)
	}
	if alias := t.Config.String("call_alias"); alias != "" && m.aliases[alias] == triggerID {
		delete(m.aliases, alias)
	}
	if entryID, ok := m.cronIDs[triggerID]; ok {
		m.cron.Remove(entryID)
		delete(m.cronIDs, triggerID)
	}
	delete(m.triggers, triggerID)
	m.logger.Info("trigger unregistered", zap.String("trigger_id", triggerID))
	return true
}

// Update replaces a trigger's definition, releasing its old reservations
// first. The counters carry over.
func (m *Manager) Update(t *models.Trigger) error {
	m.mu.Lock()
	old, ok := m.triggers[t.ID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("trigger %s: %w", t.ID, apperrors.ErrNotFound)
	}
	counters := old.Counters
	lastFired := old.LastFired
	m.unregisterLocked(t.ID)
	m.mu.Unlock()

	t.Counters = counters
	t.LastFired = lastFired
	return m.Register(t)
}

// SetEnabled flips a trigger's enabled flag.
func (m *Manager) SetEnabled(triggerID string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.triggers[triggerID]
	if !ok {
		return fmt.Errorf("trigger %s: %w", triggerID, apperrors.ErrNotFound)
	}
	t.Enabled = enabled
	return nil
}

// Get returns a copy of the trigger, or nil if unknown.
func (m *Manager) Get(triggerID string) *models.Trigger {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.triggers[triggerID]; ok {
		copied := *t
		return &copied
	}
	return nil
}

// ResolveEndpoint maps a webhook path to its trigger id.
func (m *Manager) ResolveEndpoint(endpoint string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.endpoints[endpoint]
	return id, ok
}

// Counts returns (active, total) trigger counts for the health endpoint.
func (m *Manager) Counts() (active, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.triggers {
		if t.Enabled {
			active++
		}
	}
	return active, len(m.triggers)
}

// ============================================================================
// Firing
// ============================================================================

// Emit fires a trigger with a payload and source metadata. It returns
// (false, nil) when the trigger declines due to cooldown, an error for
// unknown or disabled triggers, and (true, nil) once the event has been
// handed to the job creator. Creator failures are counted and logged, not
// propagated.
func (m *Manager) Emit(triggerID string, payload map[string]any, source models.EventSource) (bool, error) {
	m.mu.Lock()
	t, ok := m.triggers[triggerID]
	if !ok {
		m.mu.Unlock()
		return false, fmt.Errorf("trigger %s: %w", triggerID, apperrors.ErrNotFound)
	}
	if !t.Enabled {
		m.mu.Unlock()
		return false, fmt.Errorf("trigger %s: %w", triggerID, apperrors.ErrTriggerDisabled)
	}

	now := m.now().UTC()
	if cooldown := configSeconds(t.Config, "cooldown_seconds"); cooldown > 0 && t.LastFired != nil {
		if now.Sub(*t.LastFired) < cooldown {
			m.mu.Unlock()
			return false, nil
		}
	}

	t.LastFired = &now
	t.Counters.Fired++
	event := models.TriggerEvent{
		TriggerID:   t.ID,
		TriggerType: t.Type,
		ScenarioID:  t.ScenarioID,
		WorkflowID:  t.WorkflowID,
		Payload:     payload,
		Source:      source,
		FiredAt:     now,
	}
	m.mu.Unlock()

	if err := m.invokeCreator(event); err != nil {
		m.mu.Lock()
		t.Counters.Errored++
		m.mu.Unlock()
		m.logger.Error("job creator failed",
			zap.String("trigger_id", triggerID),
			zap.Error(err))
	} else {
		m.mu.Lock()
		t.Counters.Succeeded++
		m.mu.Unlock()
	}
	return true, nil
}

// invokeCreator isolates creator panics so a misbehaving callback cannot
// take down the ingress or the cron scheduler.
func (m *Manager) invokeCreator(event models.TriggerEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job creator panicked: %v", r)
		}
	}()
	if m.creator == nil {
		return nil
	}
	return m.creator(event)
}

// FireTrigger fires a trigger programmatically, bypassing HTTP ingress and
// its authentication.
func (m *Manager) FireTrigger(triggerID string, payload map[string]any) (bool, error) {
	return m.Emit(triggerID, payload, models.EventSource{Method: "programmatic"})
}

// CallWorkflow resolves a workflow-call alias and fires its trigger.
func (m *Manager) CallWorkflow(alias string, params map[string]any) (bool, error) {
	m.mu.Lock()
	triggerID, ok := m.aliases[alias]
	m.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("workflow alias %s: %w", alias, apperrors.ErrNotFound)
	}
	return m.Emit(triggerID, params, models.EventSource{Method: "workflow_call"})
}

func (m *Manager) fireScheduled(triggerID string) {
	fired, err := m.Emit(triggerID, nil, models.EventSource{Method: "schedule"})
	switch {
	case errors.Is(err, apperrors.ErrTriggerDisabled):
		m.logger.Debug("scheduled trigger disabled", zap.String("trigger_id", triggerID))
	case err != nil:
		m.logger.Error("scheduled fire failed", zap.String("trigger_id", triggerID), zap.Error(err))
	case !fired:
		m.logger.Debug("scheduled fire declined by cooldown", zap.String("trigger_id", triggerID))
	}
}

// configSeconds reads a duration-in-seconds config value, tolerating the
// numeric types JSON decoding produces.
func configSeconds(cfg models.TriggerConfig, key string) time.Duration {
	switch v := cfg[key].(type) {
	case float64:
		return time.Duration(v * float64(time.Second))
	case int:
		return time.Duration(v) * time.Second
	case int64:
		return time.Duration(v) * time.Second
	default:
		return 0
	}
}
