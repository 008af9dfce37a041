package services

import (
	"context"
	"errors"
	"sync"

	"github.com/rescale/rescale-upload/internal/constants"
	"github.com/rescale/rescale-upload/internal/events"
	"github.com/rescale/rescale-upload/internal/logging"
	"github.com/rescale/rescale-upload/internal/transfer"
	"github.com/rescale/rescale-upload/internal/transport"
)

// UploadService schedules uploads against a bounded number of slots.
// It is frontend-agnostic: state changes are published via the EventBus and
// the registry snapshot, never pushed into a UI.
//
// Admission happens on StartUpload and after every terminal outcome; there is
// no background loop. The registry's atomic Admit is the only gate on slots.
type UploadService struct {
	registry *transfer.Registry
	adapter  transport.Adapter
	eventBus *events.EventBus
	logger   *logging.Logger

	// last is the most recent StartUpload; cancelling a pending task reports
	// through its OnAbort. Nil until StartUpload is first called.
	last *dispatch

	mu sync.RWMutex

	// finishing counts terminal outcomes whose callbacks and follow-on
	// admission are still running; idle is closed whenever it is zero.
	finishMu  sync.Mutex
	finishing int
	idle      chan struct{}
}

// NewUploadService creates a new UploadService sending through adapter.
// A nil eventBus gets a private bus with the default buffer.
func NewUploadService(adapter transport.Adapter, eventBus *events.EventBus, config UploadServiceConfig) *UploadService {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = constants.DefaultMaxConcurrent
	}
	if eventBus == nil {
		eventBus = events.NewEventBus(constants.EventBusDefaultBuffer)
	}

	registry := transfer.NewRegistry(eventBus)
	// Cannot fail: the limit is positive and nothing is in flight yet
	_ = registry.SetMaxConcurrent(config.MaxConcurrent)

	idle := make(chan struct{})
	close(idle)

	return &UploadService{
		registry: registry,
		adapter:  adapter,
		eventBus: eventBus,
		logger:   logging.NewLogger("upload-service"),
		idle:     idle,
	}
}

// SetLogger replaces the service logger.
func (s *UploadService) SetLogger(logger *logging.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

func (s *UploadService) log() *logging.Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logger
}

// Events returns the bus the service publishes task lifecycle events on.
func (s *UploadService) Events() *events.EventBus {
	return s.eventBus
}

// AddUpload registers a pending upload and returns its task ID.
// Nothing is sent until StartUpload admits it.
func (s *UploadService) AddUpload(p transfer.Payload) string {
	id := s.registry.Add(p)
	s.log().Debug().Str("task", id).Str("file", p.Name).Int64("size", p.Size).Msg("Upload queued")
	return id
}

// StartUpload runs an admission pass: pending tasks fill free slots in the
// order they were added and are sent to endpoint with opts. Tasks admitted
// later, when these finish, use the same endpoint and opts. A no-op when
// nothing is pending or no slot is free.
func (s *UploadService) StartUpload(endpoint string, opts Options) {
	d := dispatch{endpoint: endpoint, opts: opts}

	s.mu.Lock()
	s.last = &d
	s.mu.Unlock()

	s.admitNext(d)
}

// admitNext admits as many pending tasks as there are free slots and begins
// their transfers. Safe to call from any goroutine, any number of times.
func (s *UploadService) admitNext(d dispatch) {
	logger := s.log()

	admitted, err := s.registry.Admit()
	if err != nil {
		var capErr *transfer.CapacityError
		if errors.As(err, &capErr) {
			logger.Error().Err(err).Msg("Admission refused: registry counters out of range")
		}
		return
	}

	for _, a := range admitted {
		active, limit := s.registry.Counters()
		logger.Debugf("[SLOT] UPLOAD %s: ACQUIRED (active=%d/%d)", a.Task.Payload.Name, active, limit)

		s.adapter.Begin(a.Handle, a.Task, d.request(), &uploadSink{
			svc:      s,
			dispatch: d,
			payload:  a.Task.Payload,
		})
	}
}

// uploadSink routes one transfer's reports into the registry. It carries the
// dispatch the task was admitted under, so the follow-on admission uses the
// same endpoint and options.
type uploadSink struct {
	svc      *UploadService
	dispatch dispatch
	payload  transfer.Payload
}

func (k *uploadSink) Progress(taskID string, percent int) {
	// Late reports for a task that already finished are rejected by the registry
	_, _ = k.svc.registry.Apply(transfer.ProgressUpdate{ID: taskID, Percent: percent})
}

func (k *uploadSink) Done(taskID string, out transport.Outcome) {
	k.svc.finish(taskID, out, k.dispatch, k.payload)
}

// finish records a terminal outcome, fires the matching callback and
// re-runs admission. The slot is released by the registry update itself, so
// a panicking callback cannot leak it.
func (s *UploadService) finish(taskID string, out transport.Outcome, d dispatch, p transfer.Payload) {
	// Entered before the registry update so Wait cannot observe the task
	// settled while its callback is still pending
	s.beginFinish()
	defer s.endFinish()

	logger := s.log()

	task, err := s.registry.Apply(transfer.CompletionUpdate{ID: taskID, Outcome: out.Status, Err: out.Err})
	if err != nil {
		logger.Warn().Err(err).Str("task", taskID).Msg("Ignoring completion report")
		return
	}

	active, limit := s.registry.Counters()
	logger.Debugf("[SLOT] UPLOAD %s: RELEASED (active=%d/%d)", p.Name, active, limit)

	switch task.Status {
	case transfer.StatusSuccess:
		logger.Info().Str("file", p.Name).Msg("File uploaded")
		if d.opts.OnSuccess != nil {
			s.runCallback("success", p.Name, func() { d.opts.OnSuccess(p, out.Response) })
		}

	case transfer.StatusFailed:
		logger.Error().Str("file", p.Name).Str("error", task.Error).Msg("Upload failed")
		if d.opts.OnError != nil {
			cbErr := out.Err
			if cbErr == nil {
				cbErr = errors.New(task.Error)
			}
			s.runCallback("error", p.Name, func() { d.opts.OnError(p, cbErr) })
		}

	case transfer.StatusAborted:
		logger.Info().Str("file", p.Name).Msg("Upload cancelled")
		if d.opts.OnAbort != nil {
			s.runCallback("abort", p.Name, func() { d.opts.OnAbort(p) })
		}
	}

	s.admitNext(d)
}

func (s *UploadService) beginFinish() {
	s.finishMu.Lock()
	defer s.finishMu.Unlock()
	if s.finishing == 0 {
		s.idle = make(chan struct{})
	}
	s.finishing++
}

func (s *UploadService) endFinish() {
	s.finishMu.Lock()
	defer s.finishMu.Unlock()
	s.finishing--
	if s.finishing == 0 {
		close(s.idle)
	}
}

func (s *UploadService) finishIdle() <-chan struct{} {
	s.finishMu.Lock()
	defer s.finishMu.Unlock()
	return s.idle
}

// runCallback invokes a user callback, recovering and logging a panic.
func (s *UploadService) runCallback(kind, fileName string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log().Errorf("PANIC in %s callback for %s: %v", kind, fileName, r)
		}
	}()
	fn()
}

// CancelUpload cancels one upload. A pending upload is removed immediately.
// An in-flight upload is signalled and removed once the transport confirms
// the abort, which also frees its slot. Unknown or finished IDs are ignored.
func (s *UploadService) CancelUpload(id string) {
	s.beginFinish()
	defer s.endFinish()

	logger := s.log()

	task, disposition := s.registry.Cancel(id)
	switch disposition {
	case transfer.CancelRemovedPending:
		logger.Info().Str("file", task.Payload.Name).Msg("Pending upload cancelled")
		s.mu.RLock()
		last := s.last
		s.mu.RUnlock()
		if last != nil && last.opts.OnAbort != nil {
			s.runCallback("abort", task.Payload.Name, func() { last.opts.OnAbort(task.Payload) })
		}

	case transfer.CancelSignalled:
		logger.Debug().Str("file", task.Payload.Name).Msg("Cancelling in-flight upload")

	case transfer.CancelNotCancellable:
		logger.Debug().Str("task", id).Str("status", string(task.Status)).Msg("Upload already finished, nothing to cancel")

	case transfer.CancelNotFound:
		logger.Debug().Str("task", id).Msg("Cancel for unknown upload ignored")
	}
}

// CancelAllUploads cancels every pending and in-flight upload. Pending tasks
// go first so that slots freed by aborts do not admit them.
func (s *UploadService) CancelAllUploads() {
	snap := s.registry.Snapshot()

	var inFlight []string
	for _, task := range snap.Tasks {
		switch task.Status {
		case transfer.StatusPending:
			s.CancelUpload(task.ID)
		case transfer.StatusUploading:
			inFlight = append(inFlight, task.ID)
		}
	}
	for _, id := range inFlight {
		s.CancelUpload(id)
	}
}

// SetMaxConcurrent changes the concurrency limit. It returns
// transfer.ErrInvalidLimit for n < 1 and transfer.ErrLimitBelowActive when
// more uploads than n are already in flight. A raised limit is used from the
// next admission pass on.
func (s *UploadService) SetMaxConcurrent(n int) error {
	if err := s.registry.SetMaxConcurrent(n); err != nil {
		return err
	}
	s.log().Debug().Int("max_concurrent", n).Msg("Concurrency limit changed")
	return nil
}

// GetSnapshot returns a consistent copy of all tasks and counters.
func (s *UploadService) GetSnapshot() transfer.Snapshot {
	return s.registry.Snapshot()
}

// GetStats returns per-status task counts.
func (s *UploadService) GetStats() transfer.Stats {
	return s.registry.Stats()
}

// RemoveUpload deletes a task that is not in flight.
func (s *UploadService) RemoveUpload(id string) bool {
	_, ok := s.registry.Remove(id)
	return ok
}

// ClearCompleted removes all finished tasks and returns how many were removed.
func (s *UploadService) ClearCompleted() int {
	return s.registry.ClearCompleted()
}

// Wait blocks until no upload is pending or in flight and every callback of
// a finished upload has returned, or ctx is done.
func (s *UploadService) Wait(ctx context.Context) error {
	for {
		stats, changed := s.registry.Watch()
		if stats.Busy() {
			select {
			case <-changed:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		select {
		case <-s.finishIdle():
		case <-ctx.Done():
			return ctx.Err()
		}
		// A follow-on admission may have started more work
		if !s.registry.Stats().Busy() {
			return nil
		}
	}
}
