package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/neul-labs/openclaw/internal/observability"
)

// DeliverFunc hands a fired job's message to the agent's session.
type DeliverFunc func(ctx context.Context, agentID, message string) error

// Options configures the schedule service
type Options struct {
	StorePath      string
	DefaultAgentID string
	Deliver        DeliverFunc
}

// Service owns the job registry and fires due jobs. Jobs persist as
// JSON at StorePath and survive restarts; timers are rebuilt on load.
type Service struct {
	jobs   map[string]*Job
	timers map[string]*time.Timer
	opts   Options

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// NewService loads persisted jobs and schedules the enabled ones.
func NewService(opts Options) (*Service, error) {
	if opts.StorePath == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if opts.Deliver == nil {
		return nil, fmt.Errorf("deliver callback is required")
	}

	s := &Service{
		jobs:   make(map[string]*Job),
		timers: make(map[string]*time.Timer),
		opts:   opts,
	}

	if err := s.loadJobs(); err != nil {
		log.Warn().Err(err).Msg("Failed to load jobs, starting with empty registry")
	}

	s.mu.Lock()
	for _, job := range s.jobs {
		if job.Enabled {
			s.scheduleJobLocked(job)
		}
	}
	s.mu.Unlock()

	log.Info().Int("jobCount", len(s.jobs)).Msg("Schedule service initialized")
	return s, nil
}

// Add creates a new job and schedules it if enabled.
func (s *Service) Add(params AddParams) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, fmt.Errorf("service is stopped")
	}
	if params.Name == "" {
		return nil, fmt.Errorf("job name is required")
	}

	next, err := NextRun(params.Schedule, time.Now())
	if err != nil {
		return nil, fmt.Errorf("invalid schedule: %w", err)
	}

	agentID := params.AgentID
	if agentID == "" {
		agentID = s.opts.DefaultAgentID
	}

	now := time.Now()
	job := &Job{
		ID:             uuid.New().String(),
		AgentID:        agentID,
		Name:           params.Name,
		Enabled:        params.Enabled,
		DeleteAfterRun: params.DeleteAfterRun,
		Schedule:       params.Schedule,
		Message:        params.Message,
		CreatedAt:      now,
		UpdatedAt:      now,
		State:          JobState{NextRun: &next},
	}

	s.jobs[job.ID] = job
	if err := s.persistLocked(); err != nil {
		delete(s.jobs, job.ID)
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	if job.Enabled {
		s.scheduleJobLocked(job)
	}

	log.Info().
		Str("jobId", job.ID).
		Str("name", job.Name).
		Bool("enabled", job.Enabled).
		Msg("Job created")

	return job, nil
}

// Update applies a patch to an existing job and reschedules as needed.
func (s *Service) Update(id string, patch Patch) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, fmt.Errorf("service is stopped")
	}

	job, exists := s.jobs[id]
	if !exists {
		return nil, fmt.Errorf("job not found: %s", id)
	}

	scheduleChanged := false
	enabledChanged := false

	if patch.Name != nil {
		job.Name = *patch.Name
	}
	if patch.Enabled != nil && job.Enabled != *patch.Enabled {
		job.Enabled = *patch.Enabled
		enabledChanged = true
	}
	if patch.DeleteAfterRun != nil {
		job.DeleteAfterRun = *patch.DeleteAfterRun
	}
	if patch.Schedule != nil {
		job.Schedule = *patch.Schedule
		scheduleChanged = true
	}
	if patch.Message != nil {
		job.Message = *patch.Message
	}
	job.UpdatedAt = time.Now()

	if scheduleChanged {
		next, err := NextRun(job.Schedule, time.Now())
		if err != nil {
			return nil, fmt.Errorf("invalid schedule: %w", err)
		}
		job.State.NextRun = &next
	}

	if err := s.persistLocked(); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	if scheduleChanged || enabledChanged {
		s.cancelJobLocked(id)
		if job.Enabled {
			s.scheduleJobLocked(job)
		}
	}

	log.Info().Str("jobId", id).Str("name", job.Name).Msg("Job updated")
	return job, nil
}

// Remove deletes a job and cancels its timer.
func (s *Service) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("service is stopped")
	}

	job, exists := s.jobs[id]
	if !exists {
		return fmt.Errorf("job not found: %s", id)
	}

	s.cancelJobLocked(id)
	delete(s.jobs, id)

	if err := s.persistLocked(); err != nil {
		return fmt.Errorf("failed to persist job: %w", err)
	}

	log.Info().Str("jobId", id).Str("name", job.Name).Msg("Job removed")
	return nil
}

// Run fires a job outside its schedule. Unless force is set, disabled
// jobs are skipped.
func (s *Service) Run(id string, force bool) error {
	s.mu.Lock()
	job, exists := s.jobs[id]
	s.mu.Unlock()

	if !exists {
		return fmt.Errorf("job not found: %s", id)
	}
	if !force && !job.Enabled {
		log.Debug().Str("jobId", id).Msg("Skipping disabled job")
		return nil
	}

	go s.executeJob(job)
	return nil
}

// List returns jobs sorted by creation time, optionally filtered by
// agent.
func (s *Service) List(agentID string) []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if agentID != "" && job.AgentID != agentID {
			continue
		}
		jobs = append(jobs, job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
	return jobs
}

// Get returns one job, or nil when it does not exist.
func (s *Service) Get(id string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

// Stop cancels all timers, waits for in-flight executions, and
// persists final state.
func (s *Service) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for id := range s.timers {
		s.cancelJobLocked(id)
	}
	err := s.persistLocked()
	s.mu.Unlock()

	s.wg.Wait()

	if err != nil {
		log.Error().Err(err).Msg("Failed to persist state on shutdown")
		return err
	}
	log.Info().Msg("Schedule service stopped")
	return nil
}

// scheduleJobLocked arms the job's timer. Caller holds s.mu.
func (s *Service) scheduleJobLocked(job *Job) {
	if job.State.NextRun == nil {
		log.Warn().Str("jobId", job.ID).Msg("Cannot schedule job without next run time")
		return
	}

	delay := time.Until(*job.State.NextRun)
	if delay < 0 {
		delay = 0
	}

	s.timers[job.ID] = time.AfterFunc(delay, func() {
		s.executeJob(job)
	})

	log.Debug().
		Str("jobId", job.ID).
		Dur("delay", delay).
		Time("nextRun", *job.State.NextRun).
		Msg("Job scheduled")
}

// cancelJobLocked stops the job's timer. Caller holds s.mu.
func (s *Service) cancelJobLocked(id string) {
	if timer, exists := s.timers[id]; exists {
		timer.Stop()
		delete(s.timers, id)
	}
}

func (s *Service) executeJob(job *Job) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	current, exists := s.jobs[job.ID]
	if !exists {
		s.mu.Unlock()
		return
	}
	if current.State.RunningAt != nil {
		s.mu.Unlock()
		log.Debug().Str("jobId", job.ID).Msg("Job already running, skipping execution")
		return
	}
	start := time.Now()
	current.State.RunningAt = &start
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	log.Info().Str("jobId", job.ID).Str("name", current.Name).Msg("Executing job")
	observability.RecordScheduleFire(string(current.Schedule.Kind))

	err := s.opts.Deliver(context.Background(), current.AgentID, current.Message)

	s.mu.Lock()
	defer s.mu.Unlock()

	duration := time.Since(start)
	current.State.RunningAt = nil
	current.State.LastRun = &start
	current.State.LastDurationMs = duration.Milliseconds()

	if err != nil {
		current.State.LastStatus = "error"
		current.State.LastError = err.Error()
		current.State.ConsecutiveErrors++
		log.Error().
			Str("jobId", job.ID).
			Err(err).
			Int("consecutiveErrors", current.State.ConsecutiveErrors).
			Msg("Job delivery failed")
	} else {
		current.State.LastStatus = "ok"
		current.State.LastError = ""
		current.State.ConsecutiveErrors = 0
		log.Info().
			Str("jobId", job.ID).
			Dur("duration", duration).
			Msg("Job delivered")
	}

	if current.DeleteAfterRun && err == nil {
		s.cancelJobLocked(job.ID)
		delete(s.jobs, job.ID)
		if persistErr := s.persistLocked(); persistErr != nil {
			log.Error().Err(persistErr).Msg("Failed to persist after delete")
		}
		return
	}

	// A one-shot job is spent after its fire; disabling it keeps a
	// restart from firing it again.
	if current.Schedule.Kind == KindAt {
		current.Enabled = false
		current.State.NextRun = nil
		if persistErr := s.persistLocked(); persistErr != nil {
			log.Error().Err(persistErr).Msg("Failed to persist job state")
		}
		return
	}

	next, calcErr := NextRun(current.Schedule, time.Now())
	if calcErr != nil {
		log.Error().Str("jobId", job.ID).Err(calcErr).Msg("Failed to calculate next run")
	} else {
		current.State.NextRun = &next
	}

	if persistErr := s.persistLocked(); persistErr != nil {
		log.Error().Err(persistErr).Msg("Failed to persist job state")
	}

	if current.Enabled && calcErr == nil && !s.stopped {
		s.scheduleJobLocked(current)
	}
}

func (s *Service) loadJobs() error {
	if _, err := os.Stat(s.opts.StorePath); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(s.opts.StorePath)
	if err != nil {
		return fmt.Errorf("failed to read jobs file: %w", err)
	}

	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("failed to parse jobs file: %w", err)
	}

	s.mu.Lock()
	s.jobs = make(map[string]*Job)
	for _, job := range jobs {
		// A crash mid-run leaves RunningAt set; clear it so the job
		// is eligible again.
		job.State.RunningAt = nil
		s.jobs[job.ID] = job
	}
	s.mu.Unlock()

	log.Info().Int("count", len(jobs)).Msg("Loaded jobs from registry")
	return nil
}

// persistLocked writes the registry atomically. Caller holds s.mu.
func (s *Service) persistLocked() error {
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })

	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal jobs: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.opts.StorePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempFile := s.opts.StorePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, s.opts.StorePath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
