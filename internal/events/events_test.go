package events

import (
	"testing"
	"time"
)

func TestEventBus_PublishSubscribe(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	ch := bus.Subscribe(EventUploadProgress)

	bus.PublishUpload(EventUploadProgress, "task-1", "a.bin", 10, "uploading", 50, "")

	select {
	case received := <-ch:
		ev, ok := received.(*UploadEvent)
		if !ok {
			t.Fatal("Expected UploadEvent")
		}
		if ev.TaskID != "task-1" {
			t.Errorf("Expected task ID 'task-1', got '%s'", ev.TaskID)
		}
		if ev.Progress != 50 {
			t.Errorf("Expected progress 50, got %d", ev.Progress)
		}
		if ev.Timestamp().IsZero() {
			t.Error("Expected timestamp to be set")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timeout waiting for event")
	}
}

func TestEventBus_TypeFiltering(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	failed := bus.Subscribe(EventUploadFailed)
	all := bus.SubscribeAll()

	bus.PublishUpload(EventUploadQueued, "task-1", "a.bin", 10, "pending", 0, "")
	bus.PublishUpload(EventUploadFailed, "task-1", "a.bin", 10, "failed", 0, "Internal Server Error")

	select {
	case ev := <-failed:
		if ev.Type() != EventUploadFailed {
			t.Errorf("Expected %s, got %s", EventUploadFailed, ev.Type())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Timeout waiting for failed event")
	}

	select {
	case ev := <-failed:
		t.Errorf("Unexpected second event on typed subscription: %s", ev.Type())
	default:
	}

	for i := 0; i < 2; i++ {
		select {
		case <-all:
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("SubscribeAll received %d of 2 events", i)
		}
	}
}

func TestEventBus_DropsWhenFull(t *testing.T) {
	bus := NewEventBus(1)
	defer bus.Close()

	_ = bus.Subscribe(EventUploadProgress)

	for i := 0; i < 5; i++ {
		bus.PublishUpload(EventUploadProgress, "task-1", "a.bin", 10, "uploading", i*10, "")
	}

	if got := bus.GetDroppedEventCount(); got != 4 {
		t.Errorf("Expected 4 dropped events, got %d", got)
	}
}

func TestEventBus_CloseClosesChannels(t *testing.T) {
	bus := NewEventBus(10)
	ch := bus.SubscribeAll()

	bus.Close()
	bus.Close() // second close is a no-op

	if _, ok := <-ch; ok {
		t.Error("Expected channel to be closed")
	}

	// Subscriptions after close receive an already-closed channel
	late := bus.Subscribe(EventUploadQueued)
	if _, ok := <-late; ok {
		t.Error("Expected late subscription channel to be closed")
	}

	// Publishing after close must not panic
	bus.PublishUpload(EventUploadQueued, "task-1", "a.bin", 1, "pending", 0, "")
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := NewEventBus(10)
	defer bus.Close()

	ch := bus.Subscribe(EventUploadStarted)
	bus.Unsubscribe(EventUploadStarted, ch)

	bus.PublishUpload(EventUploadStarted, "task-1", "a.bin", 1, "uploading", 0, "")

	if _, ok := <-ch; ok {
		t.Error("Expected unsubscribed channel to be closed and empty")
	}
}

func TestNewEventBus_BufferBounds(t *testing.T) {
	if bus := NewEventBus(0); bus.bufferSize != 1000 {
		t.Errorf("Expected default buffer 1000, got %d", bus.bufferSize)
	}
	if bus := NewEventBus(1 << 20); bus.bufferSize != 5000 {
		t.Errorf("Expected capped buffer 5000, got %d", bus.bufferSize)
	}
}
