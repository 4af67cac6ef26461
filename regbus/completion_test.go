package regbus

import (
	"errors"
	"testing"
	"time"
)

func TestCompletionSignalWait(t *testing.T) {
	c := NewCompletion()

	c.Signal()
	if err := c.Wait(time.Second); err != nil {
		t.Fatalf("Wait after Signal = %v", err)
	}

	if err := c.Wait(time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Wait without Signal = %v, want ErrTimeout", err)
	}
}

func TestCompletionSignalsCoalesce(t *testing.T) {
	c := NewCompletion()

	c.Signal()
	c.Signal()
	c.Signal()

	if err := c.Wait(time.Second); err != nil {
		t.Fatalf("first Wait = %v", err)
	}
	if err := c.Wait(time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("second Wait = %v, want ErrTimeout", err)
	}
}

func TestCompletionClear(t *testing.T) {
	c := NewCompletion()

	c.Signal()
	c.Clear()

	if err := c.Wait(time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Wait after Clear = %v, want ErrTimeout", err)
	}

	// Clear with nothing pending is a no-op.
	c.Clear()
}

func TestCompletionSignalFromGoroutine(t *testing.T) {
	c := NewCompletion()

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Signal()
	}()

	if err := c.Wait(time.Second); err != nil {
		t.Fatalf("Wait = %v", err)
	}
}
