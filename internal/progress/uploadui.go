package progress

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/term"

	"github.com/rescale/rescale-upload/internal/constants"
)

// UploadUI manages multiple concurrent upload progress bars using mpb
type UploadUI struct {
	progress   *mpb.Progress
	out        io.Writer
	bars       sync.Map // task ID -> *FileBar
	isTerminal bool
	totalFiles int
	started    int32 // Atomic counter for file index (1, 2, 3, ...)
	completed  int32
	failed     int32
}

// FileBar represents a single file upload progress bar
type FileBar struct {
	bar        *mpb.Bar
	ui         *UploadUI
	index      int
	name       string
	size       int64
	startTime  time.Time
	lastUpdate time.Time
	lastBytes  int64
	done       atomic.Bool
	mu         sync.Mutex
}

// NewUploadUI creates a new upload UI on stderr for the given number of files.
// Bars are drawn only when stderr is a terminal; otherwise one line per
// file start and finish is printed.
func NewUploadUI(totalFiles int) *UploadUI {
	isTerminal := term.IsTerminal(int(os.Stderr.Fd()))
	if isTerminal {
		// Enable ANSI escape sequences on Windows for proper progress bar rendering
		enableANSIOnWindows(os.Stderr)
	}
	return NewUploadUIWithWriter(totalFiles, os.Stderr, isTerminal)
}

// NewUploadUIWithWriter creates an upload UI writing to w.
func NewUploadUIWithWriter(totalFiles int, w io.Writer, isTerminal bool) *UploadUI {
	var p *mpb.Progress
	if isTerminal {
		p = mpb.New(
			mpb.WithOutput(w),
			mpb.WithRefreshRate(constants.ProgressRefreshRate),
			mpb.WithWidth(constants.ProgressBarWidth),
		)
	} else {
		p = mpb.New(mpb.WithOutput(io.Discard))
	}

	return &UploadUI{
		progress:   p,
		out:        w,
		isTerminal: isTerminal,
		totalFiles: totalFiles,
	}
}

// AddFileBar creates a new progress bar for the upload of task taskID.
func (u *UploadUI) AddFileBar(taskID, name string, size int64) *FileBar {
	if existing, ok := u.bars.Load(taskID); ok {
		return existing.(*FileBar)
	}

	index := int(atomic.AddInt32(&u.started, 1))
	fb := &FileBar{
		ui:         u,
		index:      index,
		name:       name,
		size:       size,
		startTime:  time.Now(),
		lastUpdate: time.Now(),
	}

	if u.isTerminal {
		fb.bar = u.progress.New(size,
			mpb.BarStyle().
				Lbound("[").
				Filler("█").
				Tip("█").
				Padding("░").
				Rbound("]"),
			mpb.PrependDecorators(
				decor.Any(func(s decor.Statistics) string {
					return fmt.Sprintf("[%d/%d] %s (%.1f MiB)",
						fb.index, u.totalFiles,
						truncatePath(name, 2),
						float64(size)/(1024*1024))
				}, decor.WCSyncSpace),
			),
			mpb.AppendDecorators(
				decor.CountersKibiByte("% .1f / % .1f", decor.WCSyncSpace),
				decor.Name("  "),
				decor.Percentage(decor.WCSyncSpace),
				decor.Name("  "),
				decor.EwmaSpeed(decor.SizeB1024(0), "% .1f", 30, decor.WCSyncSpace),
				decor.Name("  "),
				decor.Name("ETA ", decor.WCSyncWidth),
				decor.EwmaETA(decor.ET_STYLE_GO, 30),
			),
			mpb.BarRemoveOnComplete(),
		)
	} else {
		fmt.Fprintf(u.out, "Uploading [%d/%d]: %s (%.1f MiB)\n",
			fb.index, u.totalFiles,
			truncatePath(name, 2),
			float64(size)/(1024*1024))
	}

	u.bars.Store(taskID, fb)
	return fb
}

// Bar returns the bar for taskID, if one was added.
func (u *UploadUI) Bar(taskID string) (*FileBar, bool) {
	fb, ok := u.bars.Load(taskID)
	if !ok {
		return nil, false
	}
	return fb.(*FileBar), true
}

// SetPercent moves the bar to percent (0-100) of the file size.
// Uses EWMA timing for speed and ETA.
func (f *FileBar) SetPercent(percent int) {
	if f.bar == nil || f.done.Load() {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	currentBytes := f.size * int64(percent) / 100
	delta := currentBytes - f.lastBytes
	if delta <= 0 {
		return
	}
	f.bar.EwmaIncrInt64(delta, now.Sub(f.lastUpdate))
	f.lastBytes = currentBytes
	f.lastUpdate = now
}

// Complete marks the upload as finished and prints a summary line.
// A nil err means success.
func (f *FileBar) Complete(err error) {
	if !f.done.CompareAndSwap(false, true) {
		return
	}
	elapsed := time.Since(f.startTime)

	var msg string
	if err == nil {
		if f.bar != nil {
			f.bar.SetCurrent(f.size)
			f.bar.SetTotal(f.size, true)
		}
		speed := float64(f.size) / elapsed.Seconds() / (1024 * 1024)
		msg = fmt.Sprintf("✓ %s (%.1f MiB, %s, %.1f MiB/s)\n",
			truncatePath(f.name, 2),
			float64(f.size)/(1024*1024),
			elapsed.Round(time.Second),
			speed)
		atomic.AddInt32(&f.ui.completed, 1)
	} else {
		// Keep the failed bar visible
		if f.bar != nil {
			f.bar.Abort(false)
		}
		msg = fmt.Sprintf("✗ %s: %v\n", truncatePath(f.name, 2), err)
		atomic.AddInt32(&f.ui.failed, 1)
	}
	f.ui.print(msg)
}

// Abort removes the bar of a cancelled upload.
func (f *FileBar) Abort() {
	if !f.done.CompareAndSwap(false, true) {
		return
	}
	if f.bar != nil {
		f.bar.Abort(true)
	}
	f.ui.print(fmt.Sprintf("- %s: cancelled\n", truncatePath(f.name, 2)))
}

// print writes through mpb when bars are active so output lands above them.
func (u *UploadUI) print(msg string) {
	if u.isTerminal && u.progress != nil {
		_, _ = u.progress.Write([]byte(msg))
		return
	}
	fmt.Fprint(u.out, msg)
}

// AbortAll removes every bar still running, e.g. after a lost event.
func (u *UploadUI) AbortAll() {
	u.bars.Range(func(_, v any) bool {
		fb := v.(*FileBar)
		if !fb.done.Load() {
			fb.done.Store(true)
			if fb.bar != nil {
				fb.bar.Abort(true)
			}
		}
		return true
	})
}

// Counts returns how many uploads completed and failed.
func (u *UploadUI) Counts() (completed, failed int) {
	return int(atomic.LoadInt32(&u.completed)), int(atomic.LoadInt32(&u.failed))
}

// Wait blocks until all progress bars complete
func (u *UploadUI) Wait() {
	if u.progress != nil {
		u.progress.Wait()
	}
}

// Writer returns an io.Writer that safely prints above the progress bars
func (u *UploadUI) Writer() io.Writer {
	if u.progress != nil && u.isTerminal {
		return u.progress
	}
	return u.out
}

// IsTerminal returns true if output is to a terminal (progress bars are active).
func (u *UploadUI) IsTerminal() bool {
	return u.isTerminal
}

// truncatePath truncates a file path to show only the last N components
// Example: truncatePath("/a/b/c/d/file.txt", 3) → "…/c/d/file.txt"
func truncatePath(path string, maxComponents int) string {
	parts := strings.Split(filepath.ToSlash(path), "/")
	if len(parts) <= maxComponents {
		return filepath.Base(path)
	}
	relevant := parts[len(parts)-maxComponents:]
	return "…/" + strings.Join(relevant, "/")
}

// enableANSIOnWindows enables Virtual Terminal processing on Windows for ANSI escape sequences
func enableANSIOnWindows(f *os.File) {
	if runtime.GOOS == "windows" {
		enableWindowsANSI(f)
	}
}
