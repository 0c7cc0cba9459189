package output

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestSpinner_Success(t *testing.T) {
	var buf bytes.Buffer
	s := NewSpinner(&buf, "Saving")
	s.interval = time.Millisecond

	s.Start()
	time.Sleep(20 * time.Millisecond)
	s.Success("saved")

	out := buf.String()
	if !strings.Contains(out, "Saving") || !strings.HasSuffix(out, "✓ saved\n") {
		t.Errorf("output = %q", out)
	}

	// The goroutine has exited; later calls must not write again.
	n := buf.Len()
	s.Fail("late")
	s.Stop()
	if buf.Len() != n {
		t.Errorf("spinner wrote after it was stopped: %q", buf.String()[n:])
	}
}

func TestSpinner_Fail(t *testing.T) {
	var buf bytes.Buffer
	s := NewSpinner(&buf, "Saving")
	s.Start()
	s.Fail("superseded")

	if !strings.HasSuffix(buf.String(), "✗ superseded\n") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestSpinner_StopWithoutStart(t *testing.T) {
	var buf bytes.Buffer
	s := NewSpinner(&buf, "idle")
	s.Stop()

	if buf.String() != "\r\033[K" {
		t.Errorf("output = %q", buf.String())
	}
}
