// Package scheduler runs the kernel's recurring maintenance jobs on cron
// schedules: pattern detection, applied-update monitoring, and the stale
// signal sweep.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc is the work a scheduled job performs.
type JobFunc func(ctx context.Context) error

// Job is a named recurring task.
type Job struct {
	Name     string
	Schedule string // standard 5-field cron expression
	Run      JobFunc

	// runtime state, guarded by the scheduler mutex
	entryID   cron.EntryID
	lastRun   *time.Time
	nextRun   *time.Time
	runCount  int
	lastError string
}

// JobStatus is a read-only snapshot of a job's runtime state.
type JobStatus struct {
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	RunCount  int        `json:"run_count"`
	LastError string     `json:"last_error,omitempty"`
}

// Scheduler manages the kernel's cron jobs in-process.
type Scheduler struct {
	cron   *cron.Cron
	jobs   map[string]*Job
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler with no jobs registered.
func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(),
		jobs:   make(map[string]*Job),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register adds a job. Must be called before Start; a duplicate name or an
// invalid cron expression is an error.
func (s *Scheduler) Register(name, schedule string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid cron expression for job %s: %w", name, err)
	}

	job := &Job{Name: name, Schedule: schedule, Run: fn}
	entryID, err := s.cron.AddFunc(schedule, func() {
		s.executeJob(job)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}
	job.entryID = entryID
	s.jobs[name] = job
	return nil
}

// Start begins firing registered jobs on their schedules.
func (s *Scheduler) Start() {
	s.cron.Start()

	s.mu.Lock()
	for _, job := range s.jobs {
		entry := s.cron.Entry(job.entryID)
		if !entry.Next.IsZero() {
			next := entry.Next
			job.nextRun = &next
		}
	}
	n := len(s.jobs)
	s.mu.Unlock()

	log.Printf("[Scheduler] Started with %d jobs", n)
}

// Stop halts scheduling and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Printf("[Scheduler] Stopped")
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.RLock()
	job, exists := s.jobs[name]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("job %s not found", name)
	}
	go s.executeJob(job)
	return nil
}

// Status returns a snapshot of every job, sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, JobStatus{
			Name:      job.Name,
			Schedule:  job.Schedule,
			LastRun:   job.lastRun,
			NextRun:   job.nextRun,
			RunCount:  job.runCount,
			LastError: job.lastError,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) executeJob(job *Job) {
	log.Printf("[Scheduler] Executing job: %s", job.Name)

	now := time.Now()
	err := job.Run(s.ctx)

	s.mu.Lock()
	job.lastRun = &now
	job.runCount++
	if err != nil {
		job.lastError = err.Error()
	} else {
		job.lastError = ""
	}
	entry := s.cron.Entry(job.entryID)
	if !entry.Next.IsZero() {
		next := entry.Next
		job.nextRun = &next
	}
	s.mu.Unlock()

	if err != nil {
		log.Printf("[Scheduler] Job %s failed: %v", job.Name, err)
	} else {
		log.Printf("[Scheduler] Job %s completed", job.Name)
	}
}
