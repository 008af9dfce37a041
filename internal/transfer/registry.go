package transfer

import (
	"fmt"
	"sync"
	"time"

	"github.com/rescale/rescale-upload/internal/constants"
	"github.com/rescale/rescale-upload/internal/events"
)

// Snapshot is a point-in-time view of the registry.
type Snapshot struct {
	Tasks         []Task
	MaxConcurrent int
	ActiveCount   int
}

// Stats holds per-status task counts.
type Stats struct {
	Pending   int
	Uploading int
	Success   int
	Failed    int
	Aborted   int
}

// Total returns total number of tasks counted.
func (s Stats) Total() int {
	return s.Pending + s.Uploading + s.Success + s.Failed + s.Aborted
}

// Busy reports whether any task is waiting or in flight.
func (s Stats) Busy() bool {
	return s.Pending+s.Uploading > 0
}

// Admission is one task moved from pending to uploading by Admit.
type Admission struct {
	Task   Task
	Handle *Handle
}

// CancelDisposition describes what Cancel did with a task.
type CancelDisposition int

const (
	CancelNotFound       CancelDisposition = iota // No task with that ID
	CancelRemovedPending                          // Pending task removed; no transfer was started
	CancelSignalled                               // Uploading task's handle was cancelled; transport will report the abort
	CancelNotCancellable                          // Task already terminal
)

// Registry is the single-writer store of upload tasks and the concurrency
// counters. Every mutation runs under one lock, so admission and completion
// bookkeeping never interleave; readers get copies.
//
// Invariants after every mutation:
//   - 0 <= active <= maxConcurrent
//   - active equals the number of uploading tasks
//   - terminal tasks never return to pending or uploading
//   - every uploading task holds exactly one handle
type Registry struct {
	tasks     []*Task          // Insertion order; admission is FIFO over this slice
	tasksByID map[string]*Task // Index by ID for quick lookup

	maxConcurrent int
	active        int

	// changed is closed and replaced on every mutation so waiters can block
	// on "something happened" without polling.
	changed chan struct{}

	mu       sync.RWMutex
	eventBus *events.EventBus
}

// NewRegistry creates an empty registry with the default concurrency limit.
// eventBus may be nil.
func NewRegistry(eventBus *events.EventBus) *Registry {
	return &Registry{
		tasks:         make([]*Task, 0),
		tasksByID:     make(map[string]*Task),
		maxConcurrent: constants.DefaultMaxConcurrent,
		changed:       make(chan struct{}),
		eventBus:      eventBus,
	}
}

// Add registers a pending task for p and returns its ID.
func (r *Registry) Add(p Payload) string {
	task := newTask(p)

	r.mu.Lock()
	r.tasks = append(r.tasks, task)
	r.tasksByID[task.ID] = task
	snap := *task
	r.notifyLocked()
	r.mu.Unlock()

	r.publish(events.EventUploadQueued, snap)
	return snap.ID
}

// Admit moves the oldest pending tasks into free slots, at most
// maxConcurrent-active of them, and gives each a fresh handle. Concurrent
// callers are serialized here, which is what keeps admission within the limit.
func (r *Registry) Admit() ([]Admission, error) {
	r.mu.Lock()
	if r.active < 0 || r.active > r.maxConcurrent {
		err := &CapacityError{Active: r.active, Max: r.maxConcurrent}
		r.mu.Unlock()
		return nil, err
	}

	available := r.maxConcurrent - r.active
	if available <= 0 {
		r.mu.Unlock()
		return nil, nil
	}

	var admitted []Admission
	now := time.Now()
	for _, task := range r.tasks {
		if available == 0 {
			break
		}
		if task.Status != StatusPending {
			continue
		}
		task.Status = StatusUploading
		task.Progress = 0
		task.StartedAt = now
		task.handle = newHandle()
		r.active++
		available--
		admitted = append(admitted, Admission{Task: *task, Handle: task.handle})
	}
	if len(admitted) > 0 {
		r.notifyLocked()
	}
	r.mu.Unlock()

	for _, a := range admitted {
		r.publish(events.EventUploadStarted, a.Task)
	}
	return admitted, nil
}

// Apply validates u against the task's current state and applies it atomically.
// It returns a copy of the task as it stands after the update. A rejected
// update changes nothing.
func (r *Registry) Apply(u Update) (Task, error) {
	switch upd := u.(type) {
	case ProgressUpdate:
		return r.applyProgress(upd)
	case CompletionUpdate:
		return r.applyCompletion(upd)
	default:
		return Task{}, fmt.Errorf("%w: unsupported update %T", ErrInvalidTransition, u)
	}
}

func (r *Registry) applyProgress(u ProgressUpdate) (Task, error) {
	r.mu.Lock()
	task, exists := r.tasksByID[u.ID]
	if !exists {
		r.mu.Unlock()
		return Task{}, ErrTaskNotFound
	}
	if task.Status != StatusUploading {
		snap := *task
		r.mu.Unlock()
		return snap, fmt.Errorf("%w: progress for %s task", ErrInvalidTransition, snap.Status)
	}

	percent := clampPercent(u.Percent)
	if percent <= task.Progress {
		snap := *task
		r.mu.Unlock()
		return snap, nil
	}
	task.Progress = percent
	snap := *task
	r.notifyLocked()
	r.mu.Unlock()

	r.publish(events.EventUploadProgress, snap)
	return snap, nil
}

func (r *Registry) applyCompletion(u CompletionUpdate) (Task, error) {
	if !u.Outcome.IsTerminal() {
		return Task{}, fmt.Errorf("%w: %q is not a terminal outcome", ErrInvalidTransition, u.Outcome)
	}

	r.mu.Lock()
	task, exists := r.tasksByID[u.ID]
	if !exists {
		r.mu.Unlock()
		return Task{}, ErrTaskNotFound
	}
	switch {
	case task.Status.IsTerminal():
		snap := *task
		r.mu.Unlock()
		return snap, ErrAlreadyTerminal
	case task.Status != StatusUploading:
		snap := *task
		r.mu.Unlock()
		return snap, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, snap.Status, u.Outcome)
	}

	// Release the slot and the handle together
	task.handle.Cancel()
	task.handle = nil
	r.active--

	task.Status = u.Outcome
	task.CompletedAt = time.Now()
	switch u.Outcome {
	case StatusSuccess:
		task.Progress = 100
	case StatusFailed:
		task.Error = failureMessage(u.Err)
	case StatusAborted:
		r.removeLocked(task.ID)
	}
	snap := *task
	r.notifyLocked()
	r.mu.Unlock()

	switch u.Outcome {
	case StatusSuccess:
		r.publish(events.EventUploadSucceeded, snap)
	case StatusFailed:
		r.publish(events.EventUploadFailed, snap)
	case StatusAborted:
		r.publish(events.EventUploadCancelled, snap)
	}
	return snap, nil
}

// Cancel cancels a task. A pending task is removed on the spot. An uploading
// task only has its handle cancelled; it stays uploading until the transport
// reports the abort through Apply.
func (r *Registry) Cancel(id string) (Task, CancelDisposition) {
	r.mu.Lock()
	task, exists := r.tasksByID[id]
	if !exists {
		r.mu.Unlock()
		return Task{}, CancelNotFound
	}

	switch task.Status {
	case StatusPending:
		task.Status = StatusAborted
		task.CompletedAt = time.Now()
		r.removeLocked(id)
		snap := *task
		r.notifyLocked()
		r.mu.Unlock()
		r.publish(events.EventUploadCancelled, snap)
		return snap, CancelRemovedPending

	case StatusUploading:
		handle := task.handle
		snap := *task
		r.mu.Unlock()
		handle.Cancel()
		return snap, CancelSignalled

	default:
		snap := *task
		r.mu.Unlock()
		return snap, CancelNotCancellable
	}
}

// Remove deletes a task that is not uploading. Uploading tasks hold a slot
// and must be cancelled instead; Remove refuses them.
func (r *Registry) Remove(id string) (Task, bool) {
	r.mu.Lock()
	task, exists := r.tasksByID[id]
	if !exists || task.Status == StatusUploading {
		r.mu.Unlock()
		return Task{}, false
	}
	r.removeLocked(id)
	snap := *task
	r.notifyLocked()
	r.mu.Unlock()

	r.publish(events.EventUploadRemoved, snap)
	return snap, true
}

// ClearCompleted removes all terminal tasks and returns how many were pruned.
func (r *Registry) ClearCompleted() int {
	r.mu.Lock()
	filtered := make([]*Task, 0, len(r.tasks))
	var removed []Task
	for _, task := range r.tasks {
		if task.Status.IsTerminal() {
			delete(r.tasksByID, task.ID)
			removed = append(removed, *task)
			continue
		}
		filtered = append(filtered, task)
	}
	r.tasks = filtered
	if len(removed) > 0 {
		r.notifyLocked()
	}
	r.mu.Unlock()

	for _, t := range removed {
		r.publish(events.EventUploadRemoved, t)
	}
	return len(removed)
}

// SetMaxConcurrent sets the concurrency limit. The limit cannot drop below 1
// or below the number of uploads already in flight.
func (r *Registry) SetMaxConcurrent(n int) error {
	r.mu.Lock()
	if n < 1 {
		r.mu.Unlock()
		return fmt.Errorf("%w: got %d", ErrInvalidLimit, n)
	}
	if n < r.active {
		active := r.active
		r.mu.Unlock()
		return fmt.Errorf("%w: got %d with %d active", ErrLimitBelowActive, n, active)
	}
	r.maxConcurrent = n
	active := r.active
	r.notifyLocked()
	r.mu.Unlock()

	if r.eventBus != nil {
		r.eventBus.Publish(&events.LimitChangedEvent{
			BaseEvent: events.BaseEvent{
				EventType: events.EventLimitChanged,
				Time:      time.Now(),
			},
			MaxConcurrent: n,
			ActiveCount:   active,
		})
	}
	return nil
}

// Snapshot returns a consistent copy of all tasks and counters.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := make([]Task, len(r.tasks))
	for i, task := range r.tasks {
		tasks[i] = *task
	}
	return Snapshot{
		Tasks:         tasks,
		MaxConcurrent: r.maxConcurrent,
		ActiveCount:   r.active,
	}
}

// Counters returns the number of uploads in flight and the current limit.
func (r *Registry) Counters() (active, limit int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active, r.maxConcurrent
}

// Get returns a copy of a specific task by ID.
func (r *Registry) Get(id string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, exists := r.tasksByID[id]
	if !exists {
		return Task{}, false
	}
	return *task, true
}

// Stats returns current per-status counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.statsLocked()
}

// Watch returns current stats together with a channel that is closed on the
// next mutation. Both are taken under the same lock, so no change between
// reading the stats and waiting on the channel can be missed.
func (r *Registry) Watch() (Stats, <-chan struct{}) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.statsLocked(), r.changed
}

func (r *Registry) statsLocked() Stats {
	stats := Stats{}
	for _, task := range r.tasks {
		switch task.Status {
		case StatusPending:
			stats.Pending++
		case StatusUploading:
			stats.Uploading++
		case StatusSuccess:
			stats.Success++
		case StatusFailed:
			stats.Failed++
		case StatusAborted:
			stats.Aborted++
		}
	}
	return stats
}

func (r *Registry) removeLocked(id string) {
	delete(r.tasksByID, id)
	for i, task := range r.tasks {
		if task.ID == id {
			r.tasks = append(r.tasks[:i], r.tasks[i+1:]...)
			return
		}
	}
}

func (r *Registry) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// publish sends a task event. Always called without the lock held.
func (r *Registry) publish(eventType events.EventType, task Task) {
	if r.eventBus == nil {
		return
	}
	r.eventBus.PublishUpload(eventType, task.ID, task.Payload.Name, task.Payload.Size,
		string(task.Status), task.Progress, task.Error)
}
