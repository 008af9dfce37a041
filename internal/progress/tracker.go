package progress

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rescale/rescale-upload/internal/events"
)

// Tracker feeds upload events into an UploadUI and an aggregate Reporter.
// Events carry absolute percentages, so a dropped progress event only delays
// the display.
type Tracker struct {
	ui      *UploadUI
	overall Reporter

	mu       sync.Mutex
	sizes    map[string]int64
	percents map[string]int
	finished int64 // Bytes of tasks that reached a terminal state
}

// NewTracker creates a tracker. A nil overall reporter disables the aggregate bar.
func NewTracker(ui *UploadUI, overall Reporter) *Tracker {
	if overall == nil {
		overall = NewNoOpProgress()
	}
	return &Tracker{
		ui:       ui,
		overall:  overall,
		sizes:    make(map[string]int64),
		percents: make(map[string]int),
	}
}

// Run consumes events until ch is closed.
func (t *Tracker) Run(ch <-chan events.Event) {
	for ev := range ch {
		t.Handle(ev)
	}
}

// Handle applies one event.
func (t *Tracker) Handle(ev events.Event) {
	if lc, ok := ev.(*events.LimitChangedEvent); ok {
		t.ui.print(fmt.Sprintf("Concurrency limit set to %d (%d active)\n", lc.MaxConcurrent, lc.ActiveCount))
		return
	}

	up, ok := ev.(*events.UploadEvent)
	if !ok {
		return
	}

	switch up.Type() {
	case events.EventUploadStarted:
		t.mu.Lock()
		t.sizes[up.TaskID] = up.Size
		t.percents[up.TaskID] = 0
		t.mu.Unlock()
		t.ui.AddFileBar(up.TaskID, up.Name, up.Size)

	case events.EventUploadProgress:
		if fb, ok := t.ui.Bar(up.TaskID); ok {
			fb.SetPercent(up.Progress)
		}
		t.mu.Lock()
		if _, tracked := t.sizes[up.TaskID]; tracked && up.Progress > t.percents[up.TaskID] {
			t.percents[up.TaskID] = up.Progress
		}
		t.mu.Unlock()
		t.report()

	case events.EventUploadSucceeded:
		t.settle(up.TaskID, true)
		if fb, ok := t.ui.Bar(up.TaskID); ok {
			fb.Complete(nil)
		}
		t.report()

	case events.EventUploadFailed:
		t.settle(up.TaskID, true)
		if fb, ok := t.ui.Bar(up.TaskID); ok {
			msg := up.Error
			if msg == "" {
				msg = "Upload failed"
			}
			fb.Complete(errors.New(msg))
		}
		t.report()

	case events.EventUploadCancelled:
		t.settle(up.TaskID, false)
		if fb, ok := t.ui.Bar(up.TaskID); ok {
			fb.Abort()
		}
		t.report()
	}
}

// settle stops tracking a finished task. Its bytes count as done unless
// it was cancelled.
func (t *Tracker) settle(taskID string, countBytes bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if size, ok := t.sizes[taskID]; ok && countBytes {
		t.finished += size
	}
	delete(t.sizes, taskID)
	delete(t.percents, taskID)
}

func (t *Tracker) report() {
	t.overall.Update(t.Transferred())
}

// Transferred returns the bytes of finished tasks plus the completed share of
// the tasks in flight.
func (t *Tracker) Transferred() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := t.finished
	for id, size := range t.sizes {
		total += size * int64(t.percents[id]) / 100
	}
	return total
}

// Close releases bars whose terminal event never arrived and waits for the
// UI to finish drawing.
func (t *Tracker) Close() {
	t.ui.AbortAll()
	t.ui.Wait()
	t.overall.Finish()
}
