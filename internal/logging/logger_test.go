package logging

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoggerWritesComponent(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter("scheduler", &buf)

	l.Infof("admitted %d uploads", 2)

	out := buf.String()
	if !strings.Contains(out, "admitted 2 uploads") {
		t.Errorf("expected message in output, got %q", out)
	}
	if !strings.Contains(out, "scheduler") {
		t.Errorf("expected component in output, got %q", out)
	}
}

func TestLoggerDebugRespectsGlobalLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter("test", &buf)

	SetGlobalLevel(zerolog.InfoLevel)
	l.Debugf("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected debug to be suppressed at info level, got %q", buf.String())
	}

	SetGlobalLevel(zerolog.DebugLevel)
	defer SetGlobalLevel(zerolog.InfoLevel)
	l.Debugf("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("expected debug output at debug level, got %q", buf.String())
	}
}

func TestSetOutputRedirects(t *testing.T) {
	var first, second bytes.Buffer
	l := NewLoggerWithWriter("test", &first)
	l.SetOutput(&second)

	l.Warnf("moved")

	if first.Len() != 0 {
		t.Errorf("expected nothing on the old writer, got %q", first.String())
	}
	if !strings.Contains(second.String(), "moved") {
		t.Errorf("expected message on the new writer, got %q", second.String())
	}
	if l.Output() != &second {
		t.Error("Output() should return the current writer")
	}
}

func TestNopLogger(t *testing.T) {
	l := NewNopLogger()
	l.Errorf("nothing happens")
	l.Info().Msg("still nothing")
}

func TestSetOutputWhileLogging(t *testing.T) {
	l := NewLoggerWithWriter("test", io.Discard)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				l.Info().Int("n", j).Msg("tick")
				l.Debugf("tick %d", j)
			}
		}()
	}
	for j := 0; j < 200; j++ {
		if j%2 == 0 {
			l.SetOutput(io.Discard)
		} else {
			l.SetOutput(&lockedBuffer{})
		}
	}
	wg.Wait()
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}
