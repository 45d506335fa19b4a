package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/casare-rpa/orchestrator/pkg/apperrors"
	"github.com/casare-rpa/orchestrator/pkg/events"
	"github.com/casare-rpa/orchestrator/pkg/models"
)

// PendingSource supplies pending jobs to the dispatch loop. The producer
// implements it; tests substitute fakes.
type PendingSource interface {
	PendingJobs(ctx context.Context, limit int) ([]*models.EnqueuedJob, error)
}

// Assigner pushes a routing decision to the selected robot over the external
// robot-communication channel. The authoritative pending→running transition
// remains the consumer's claim; assignment is advisory.
type Assigner interface {
	Assign(ctx context.Context, job *models.EnqueuedJob, robot *models.Robot) error
}

// JobDispatchedCallback fires after a job is routed to a robot. Callbacks
// needing slow work should hand off to their own goroutine; errors and
// panics are logged and never interrupt the dispatch loop.
type JobDispatchedCallback func(job *models.EnqueuedJob, robot *models.Robot) error

// RobotStatusCallback fires on every robot status transition.
type RobotStatusCallback func(robot *models.Robot, oldStatus, newStatus models.RobotStatus) error

// Config controls the dispatch and health loops.
type Config struct {
	Strategy            StrategyName
	PollInterval        time.Duration
	HealthCheckInterval time.Duration
	StaleRobotTimeout   time.Duration
	DispatchBatchSize   int
}

// DefaultConfig returns standard dispatcher settings.
func DefaultConfig() Config {
	return Config{
		Strategy:            StrategyLeastLoaded,
		PollInterval:        2 * time.Second,
		HealthCheckInterval: 15 * time.Second,
		StaleRobotTimeout:   45 * time.Second,
		DispatchBatchSize:   10,
	}
}

// Dispatcher owns the in-memory robot registry, named pools, and the
// strategy-driven routing of pending jobs to available robots. A single
// mutex guards the registry and pools; the store's transactional semantics
// cover everything cross-process.
type Dispatcher struct {
	mu       sync.Mutex
	robots   map[string]*models.Robot
	pools    map[string]*Pool
	strategy Strategy

	affinity *AffinityTracker
	cfg      Config
	source   PendingSource
	assigner Assigner
	bus      events.Publisher
	logger   *zap.Logger

	onJobDispatched   []JobDispatchedCallback
	onRobotStatus     []RobotStatusCallback

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a dispatcher with the default pool in place.
func New(cfg Config, source PendingSource, assigner Assigner, bus events.Publisher, logger *zap.Logger) *Dispatcher {
	affinity := NewAffinityTracker()
	d := &Dispatcher{
		robots:   make(map[string]*models.Robot),
		pools:    map[string]*Pool{DefaultPoolName: {Name: DefaultPoolName}},
		strategy: NewStrategy(cfg.Strategy, affinity),
		affinity: affinity,
		cfg:      cfg,
		source:   source,
		assigner: assigner,
		bus:      bus,
		logger:   logger.Named("dispatcher"),
	}
	return d
}

// ============================================================================
// Robot registry
// ============================================================================

// RegisterRobot adds or replaces a robot in the registry.
func (d *Dispatcher) RegisterRobot(robot *models.Robot) {
	d.mu.Lock()
	if robot.Status == "" {
		robot.Status = models.RobotStatusOnline
	}
	if robot.LastHeartbeat.IsZero() {
		robot.LastHeartbeat = time.Now().UTC()
	}
	d.robots[robot.ID] = robot.Clone()
	d.mu.Unlock()

	d.logger.Info("robot registered",
		zap.String("robot_id", robot.ID),
		zap.Strings("tags", robot.Tags),
		zap.Int("max_concurrent_jobs", robot.MaxConcurrentJobs))
}

// UnregisterRobot removes a robot from the registry.
func (d *Dispatcher) UnregisterRobot(robotID string) bool {
	d.mu.Lock()
	_, ok := d.robots[robotID]
	delete(d.robots, robotID)
	d.mu.Unlock()
	if ok {
		d.logger.Info("robot unregistered", zap.String("robot_id", robotID))
	}
	return ok
}

// GetRobot returns a copy of the robot, or nil if unknown.
func (d *Dispatcher) GetRobot(robotID string) *models.Robot {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.robots[robotID]; ok {
		return r.Clone()
	}
	return nil
}

// ListRobots returns copies of all registered robots sorted by id.
func (d *Dispatcher) ListRobots() []*models.Robot {
	d.mu.Lock()
	defer d.mu.Unlock()
	robots := make([]*models.Robot, 0, len(d.robots))
	for _, r := range d.robots {
		robots = append(robots, r.Clone())
	}
	sort.Slice(robots, func(i, j int) bool { return robots[i].ID < robots[j].ID })
	return robots
}

// Heartbeat records liveness for a robot and publishes the heartbeat event.
// A robot previously marked offline comes back online here.
func (d *Dispatcher) Heartbeat(robotID string, status models.RobotStatus, cpuPercent, memoryMB float64, currentJobs int) error {
	d.mu.Lock()
	robot, ok := d.robots[robotID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("robot %s: %w", robotID, apperrors.ErrNotFound)
	}

	oldStatus := robot.Status
	if status != "" && models.IsValidRobotStatus(status) {
		robot.Status = status
	} else if robot.Status == models.RobotStatusOffline {
		robot.Status = models.RobotStatusOnline
	}
	robot.LastHeartbeat = time.Now().UTC()
	robot.CPUPercent = cpuPercent
	robot.MemoryMB = memoryMB
	if currentJobs >= 0 {
		robot.CurrentJobs = currentJobs
	}
	newStatus := robot.Status
	snapshot := robot.Clone()
	d.mu.Unlock()

	if oldStatus != newStatus {
		d.fireRobotStatus(snapshot, oldStatus, newStatus)
	}

	events.Publish(d.bus, models.RobotHeartbeat{
		RobotID:    robotID,
		Status:     newStatus,
		CPUPercent: cpuPercent,
		MemoryMB:   memoryMB,
		Timestamp:  snapshot.LastHeartbeat,
	})
	return nil
}

// ============================================================================
// Pools
// ============================================================================

// AddPool registers a named pool. Re-adding replaces the definition, except
// the default pool which always matches all robots.
func (d *Dispatcher) AddPool(pool *Pool) error {
	if pool.Name == "" {
		return fmt.Errorf("%w: pool name is required", apperrors.ErrValidation)
	}
	if pool.Name == DefaultPoolName && len(pool.Tags) > 0 {
		return fmt.Errorf("%w: default pool must match all robots", apperrors.ErrValidation)
	}
	d.mu.Lock()
	d.pools[pool.Name] = pool
	d.mu.Unlock()
	return nil
}

// RemovePool deletes a pool. The default pool is not deletable.
func (d *Dispatcher) RemovePool(name string) error {
	if name == DefaultPoolName {
		return apperrors.ErrDefaultPool
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pools[name]; !ok {
		return fmt.Errorf("pool %s: %w", name, apperrors.ErrNotFound)
	}
	delete(d.pools, name)
	return nil
}

// PoolRobots returns copies of the robots belonging to the named pool.
func (d *Dispatcher) PoolRobots(name string) ([]*models.Robot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pool, ok := d.pools[name]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", name, apperrors.ErrNotFound)
	}
	var robots []*models.Robot
	for _, r := range d.robots {
		if pool.Matches(r) {
			robots = append(robots, r.Clone())
		}
	}
	sort.Slice(robots, func(i, j int) bool { return robots[i].ID < robots[j].ID })
	return robots, nil
}

// ============================================================================
// Selection
// ============================================================================

// SetStrategy switches the load-balancing strategy. Idempotent for the same
// strategy name.
func (d *Dispatcher) SetStrategy(name StrategyName) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.strategy.Name() == name {
		return
	}
	d.strategy = NewStrategy(name, d.affinity)
}

// SelectRobot picks a robot for the job from the named pool. A job already
// pinned to a robot id is strict: if that robot is unavailable the result is
// nil rather than a fallback.
func (d *Dispatcher) SelectRobot(job *models.EnqueuedJob, poolName string, pinnedRobotID string) *models.Robot {
	if poolName == "" {
		poolName = DefaultPoolName
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if pinnedRobotID != "" {
		if r, ok := d.robots[pinnedRobotID]; ok && r.IsAvailable() {
			return r.Clone()
		}
		return nil
	}

	pool, ok := d.pools[poolName]
	if !ok || !pool.AllowsWorkflow(job.WorkflowID) {
		return nil
	}

	if pool.MaxConcurrentJobs > 0 {
		total := 0
		for _, r := range d.robots {
			if pool.Matches(r) {
				total += r.CurrentJobs
			}
		}
		if total >= pool.MaxConcurrentJobs {
			return nil
		}
	}

	var candidates []*models.Robot
	for _, r := range d.robots {
		if pool.Matches(r) && r.IsAvailable() {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	return d.strategy.Select(job, candidates).Clone()
}

// RecordJobResult feeds affinity learning: only successes on an assigned
// robot count.
func (d *Dispatcher) RecordJobResult(workflowID, robotID string, success bool) {
	if !success || robotID == "" {
		return
	}
	d.affinity.Record(workflowID, robotID)
}

// Affinity exposes the tracker for strategy wiring and inspection.
func (d *Dispatcher) Affinity() *AffinityTracker {
	return d.affinity
}

// ============================================================================
// Callbacks
// ============================================================================

// OnJobDispatched registers a callback fired after each routing decision.
func (d *Dispatcher) OnJobDispatched(fn JobDispatchedCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onJobDispatched = append(d.onJobDispatched, fn)
}

// OnRobotStatusChange registers a callback fired on robot status transitions.
func (d *Dispatcher) OnRobotStatusChange(fn RobotStatusCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onRobotStatus = append(d.onRobotStatus, fn)
}

func (d *Dispatcher) fireJobDispatched(job *models.EnqueuedJob, robot *models.Robot) {
	d.mu.Lock()
	callbacks := append([]JobDispatchedCallback(nil), d.onJobDispatched...)
	d.mu.Unlock()
	for _, fn := range callbacks {
		d.invokeCallback(func() error { return fn(job, robot) }, "on_job_dispatched")
	}
}

func (d *Dispatcher) fireRobotStatus(robot *models.Robot, oldStatus, newStatus models.RobotStatus) {
	d.mu.Lock()
	callbacks := append([]RobotStatusCallback(nil), d.onRobotStatus...)
	d.mu.Unlock()
	for _, fn := range callbacks {
		d.invokeCallback(func() error { return fn(robot, oldStatus, newStatus) }, "on_robot_status_change")
	}
}

// invokeCallback isolates callback failures: errors and panics are logged,
// never propagated into the dispatch or health loops.
func (d *Dispatcher) invokeCallback(fn func() error, name string) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("callback panicked", zap.String("callback", name), zap.Any("panic", r))
		}
	}()
	if err := fn(); err != nil {
		d.logger.Error("callback failed", zap.String("callback", name), zap.Error(err))
	}
}

// ============================================================================
// Loops
// ============================================================================

// Start launches the dispatch and health-check loops.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(2)
	d.stop = make(chan struct{})
	go d.dispatchLoop(ctx)
	go d.healthLoop(ctx)
	d.logger.Info("dispatcher started",
		zap.String("strategy", string(d.cfg.Strategy)),
		zap.Duration("poll_interval", d.cfg.PollInterval))
}

// Stop halts both loops and waits for them to exit.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		if d.stop != nil {
			close(d.stop)
		}
	})
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) dispatchLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.dispatchOnce(ctx)
		}
	}
}

// dispatchOnce polls pending jobs and routes each through SelectRobot.
// Selected robots get their current_jobs incremented optimistically; the
// consumer heartbeat corrects drift.
func (d *Dispatcher) dispatchOnce(ctx context.Context) {
	if d.source == nil {
		return
	}
	jobs, err := d.source.PendingJobs(ctx, d.cfg.DispatchBatchSize)
	if err != nil {
		d.logger.Error("failed to poll pending jobs", zap.Error(err))
		return
	}

	for _, job := range jobs {
		robot := d.SelectRobot(job, DefaultPoolName, job.PinnedRobotID)
		if robot == nil {
			continue
		}

		if d.assigner != nil {
			if err := d.assigner.Assign(ctx, job, robot); err != nil {
				d.logger.Warn("assignment failed",
					zap.String("job_id", job.ID.String()),
					zap.String("robot_id", robot.ID),
					zap.Error(err))
				continue
			}
		}

		d.mu.Lock()
		if r, ok := d.robots[robot.ID]; ok {
			r.CurrentJobs++
			r.CurrentJobID = &job.ID
		}
		d.mu.Unlock()

		d.logger.Info("job dispatched",
			zap.String("job_id", job.ID.String()),
			zap.String("workflow_id", job.WorkflowID),
			zap.String("robot_id", robot.ID))
		d.fireJobDispatched(job, robot)
	}
}

func (d *Dispatcher) healthLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.CheckHealth()
		}
	}
}

// CheckHealth marks every non-offline robot whose last heartbeat is older
// than the stale timeout as offline and fires the status callbacks.
func (d *Dispatcher) CheckHealth() int {
	cutoff := time.Now().UTC().Add(-d.cfg.StaleRobotTimeout)

	type transition struct {
		robot *models.Robot
		old   models.RobotStatus
	}
	var stale []transition

	d.mu.Lock()
	for _, r := range d.robots {
		if r.Status != models.RobotStatusOffline && r.LastHeartbeat.Before(cutoff) {
			old := r.Status
			r.Status = models.RobotStatusOffline
			stale = append(stale, transition{robot: r.Clone(), old: old})
		}
	}
	d.mu.Unlock()

	for _, t := range stale {
		d.logger.Warn("robot marked offline (stale heartbeat)",
			zap.String("robot_id", t.robot.ID),
			zap.Time("last_heartbeat", t.robot.LastHeartbeat))
		d.fireRobotStatus(t.robot, t.old, models.RobotStatusOffline)
	}
	return len(stale)
}
