package task

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store holds every render job in memory. A process restart loses all state.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	gen  uint64
	now  func() time.Time
}

func NewStore() *Store {
	return &Store{
		jobs: make(map[string]*Job),
		now:  time.Now,
	}
}

// NewJobID returns an id in the queue's format: a short uuid and the unix time.
func NewJobID() string {
	return fmt.Sprintf("%s_%d", shortuuid.New(), time.Now().Unix())
}

// Create stores a queued job and returns its id. An empty id is generated;
// an existing id is overwritten.
func (s *Store) Create(data JobData, id string) string {
	id, _ = s.create(data, id)
	return id
}

func (s *Store) create(data JobData, id string) (string, uint64) {
	if id == "" {
		id = NewJobID()
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.jobs[id] = &Job{
		ID:        id,
		Status:    StatusQueued,
		Data:      cloneData(data),
		CreatedAt: now,
		UpdatedAt: now,
		gen:       s.gen,
	}
	return id, s.gen
}

// Get returns a snapshot of the job.
func (s *Store) Get(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return snapshot(job), true
}

// Update merges fields through mutate. Unknown ids are a no-op and report
// false. mutate must not change Status; use Transition for that.
func (s *Store) Update(id string, mutate func(j *Job)) (Job, bool) {
	return s.update(id, 0, mutate)
}

func (s *Store) update(id string, gen uint64, mutate func(j *Job)) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || (gen != 0 && job.gen != gen) {
		return Job{}, false
	}
	status := job.Status
	mutate(job)
	job.Status = status
	job.UpdatedAt = s.now()
	return snapshot(job), true
}

// Transition moves the job to the given status, applying mutate in the same
// critical section. It refuses moves the state machine does not allow, which
// also keeps terminal jobs terminal.
func (s *Store) Transition(id string, to Status, mutate func(j *Job)) (Job, error) {
	return s.transition(id, 0, to, mutate)
}

// transition is Transition restricted to one generation of the id, so a
// goroutine working on an overwritten job cannot touch its replacement.
// gen 0 matches any generation.
func (s *Store) transition(id string, gen uint64, to Status, mutate func(j *Job)) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || (gen != 0 && job.gen != gen) {
		return Job{}, ErrNotFound
	}
	if !job.Status.CanTransitionTo(to) {
		return snapshot(job), fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, to)
	}
	if mutate != nil {
		mutate(job)
	}
	now := s.now()
	job.Status = to
	job.UpdatedAt = now
	if to.IsTerminal() {
		job.FinishedAt = now
	}
	return snapshot(job), nil
}

func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return false
	}
	delete(s.jobs, id)
	return true
}

func (s *Store) List() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, snapshot(j))
	}
	return jobs
}

// Evict drops terminal jobs that finished more than maxAge ago and removes
// their local files. It returns the number of evicted jobs.
func (s *Store) Evict(maxAge time.Duration) int {
	cutoff := s.now().Add(-maxAge)

	var files []string
	s.mu.Lock()
	evicted := 0
	for id, j := range s.jobs {
		if j.Status.IsTerminal() && !j.FinishedAt.IsZero() && j.FinishedAt.Before(cutoff) {
			files = append(files, j.localFiles...)
			delete(s.jobs, id)
			evicted++
		}
	}
	s.mu.Unlock()

	for _, f := range files {
		os.Remove(f)
	}
	return evicted
}

func snapshot(j *Job) Job {
	c := *j
	c.Data = cloneData(j.Data)
	c.localFiles = nil
	return c
}

func cloneData(d JobData) JobData {
	c := d
	if d.Clips != nil {
		c.Clips = append([]Clip(nil), d.Clips...)
	}
	return c
}
