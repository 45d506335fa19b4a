package dispatcher

import (
	"math/rand"
	"sync"

	"github.com/casare-rpa/orchestrator/pkg/models"
)

// StrategyName identifies a load-balancing strategy.
type StrategyName string

const (
	StrategyRoundRobin  StrategyName = "round_robin"
	StrategyLeastLoaded StrategyName = "least_loaded"
	StrategyRandom      StrategyName = "random"
	StrategyAffinity    StrategyName = "affinity"
)

// Strategy selects one robot from a pool's available robots for a job.
// Candidates are never empty and are already filtered for availability.
type Strategy interface {
	Name() StrategyName
	Select(job *models.EnqueuedJob, candidates []*models.Robot) *models.Robot
}

// NewStrategy builds a strategy by name; unknown names fall back to
// least-loaded.
func NewStrategy(name StrategyName, affinity *AffinityTracker) Strategy {
	switch name {
	case StrategyRoundRobin:
		return NewRoundRobinStrategy()
	case StrategyRandom:
		return &RandomStrategy{}
	case StrategyAffinity:
		return NewAffinityStrategy(affinity)
	default:
		return NewLeastLoadedStrategy()
	}
}

// ============================================================================
// RoundRobinStrategy
// ============================================================================

// RoundRobinStrategy rotates through available robots in deterministic
// order (sorted by id, advancing a cursor per selection).
type RoundRobinStrategy struct {
	mu   sync.Mutex
	next int
}

// NewRoundRobinStrategy creates a round-robin strategy.
func NewRoundRobinStrategy() *RoundRobinStrategy {
	return &RoundRobinStrategy{}
}

func (s *RoundRobinStrategy) Name() StrategyName { return StrategyRoundRobin }

func (s *RoundRobinStrategy) Select(_ *models.EnqueuedJob, candidates []*models.Robot) *models.Robot {
	s.mu.Lock()
	defer s.mu.Unlock()
	robot := candidates[s.next%len(candidates)]
	s.next++
	return robot
}

// ============================================================================
// LeastLoadedStrategy
// ============================================================================

// LeastLoadedStrategy minimizes current_jobs/max_concurrent_jobs; ties are
// broken round-robin among the least-loaded set.
type LeastLoadedStrategy struct {
	rr *RoundRobinStrategy
}

// NewLeastLoadedStrategy creates a least-loaded strategy.
func NewLeastLoadedStrategy() *LeastLoadedStrategy {
	return &LeastLoadedStrategy{rr: NewRoundRobinStrategy()}
}

func (s *LeastLoadedStrategy) Name() StrategyName { return StrategyLeastLoaded }

func load(r *models.Robot) float64 {
	if r.MaxConcurrentJobs <= 0 {
		return 1
	}
	return float64(r.CurrentJobs) / float64(r.MaxConcurrentJobs)
}

func (s *LeastLoadedStrategy) Select(job *models.EnqueuedJob, candidates []*models.Robot) *models.Robot {
	minLoad := load(candidates[0])
	for _, r := range candidates[1:] {
		if l := load(r); l < minLoad {
			minLoad = l
		}
	}

	var leastLoaded []*models.Robot
	for _, r := range candidates {
		if load(r) == minLoad {
			leastLoaded = append(leastLoaded, r)
		}
	}
	if len(leastLoaded) == 1 {
		return leastLoaded[0]
	}
	return s.rr.Select(job, leastLoaded)
}

// ============================================================================
// RandomStrategy
// ============================================================================

// RandomStrategy picks uniformly among available robots.
type RandomStrategy struct{}

func (s *RandomStrategy) Name() StrategyName { return StrategyRandom }

func (s *RandomStrategy) Select(_ *models.EnqueuedJob, candidates []*models.Robot) *models.Robot {
	return candidates[rand.Intn(len(candidates))]
}

// ============================================================================
// AffinityStrategy
// ============================================================================

// AffinityStrategy prefers the available robot with the highest learned
// affinity for the job's workflow; when every candidate has zero affinity it
// falls back to least-loaded.
type AffinityStrategy struct {
	affinity *AffinityTracker
	fallback *LeastLoadedStrategy
}

// NewAffinityStrategy creates an affinity strategy over the given tracker.
func NewAffinityStrategy(affinity *AffinityTracker) *AffinityStrategy {
	return &AffinityStrategy{
		affinity: affinity,
		fallback: NewLeastLoadedStrategy(),
	}
}

func (s *AffinityStrategy) Name() StrategyName { return StrategyAffinity }

func (s *AffinityStrategy) Select(job *models.EnqueuedJob, candidates []*models.Robot) *models.Robot {
	var best *models.Robot
	bestCount := 0
	for _, r := range candidates {
		if count := s.affinity.Count(job.WorkflowID, r.ID); count > bestCount {
			best = r
			bestCount = count
		}
	}
	if best != nil {
		return best
	}
	return s.fallback.Select(job, candidates)
}

// ============================================================================
// AffinityTracker
// ============================================================================

// AffinityTracker counts successful workflow executions per robot. Only
// successes increment; failures leave the map untouched.
type AffinityTracker struct {
	mu     sync.RWMutex
	counts map[string]map[string]int // workflow id -> robot id -> successes
}

// NewAffinityTracker creates an empty tracker.
func NewAffinityTracker() *AffinityTracker {
	return &AffinityTracker{counts: make(map[string]map[string]int)}
}

// Record increments the affinity of robotID for workflowID.
func (t *AffinityTracker) Record(workflowID, robotID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.counts[workflowID] == nil {
		t.counts[workflowID] = make(map[string]int)
	}
	t.counts[workflowID][robotID]++
}

// Count returns the affinity of robotID for workflowID.
func (t *AffinityTracker) Count(workflowID, robotID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.counts[workflowID][robotID]
}
