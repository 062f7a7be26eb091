package process

import (
	"context"
	"io"
	"testing"
	"time"

	"go.uber.org/zap"
)

func writeLine(t *testing.T, w io.Writer, line string) {
	t.Helper()
	if _, err := io.WriteString(w, line+"\n"); err != nil {
		t.Fatalf("write line: %v", err)
	}
}

func newTestDriver() *ProcessDriver {
	return &ProcessDriver{
		log:      zap.NewNop().Sugar(),
		state:    stateAlive,
		waitDone: make(chan struct{}),
	}
}

// TestParseLine_* mirror the teacher's claude_test.go table of frame
// shapes, generalized from the claude-specific event types to the
// driver's internal frameEvent.

func TestParseLine_AssistantText(t *testing.T) {
	d := newTestDriver()
	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"Hello world"}]}}`

	evt, terminal := d.parseLine([]byte(line))

	if evt == nil {
		t.Fatal("expected event for assistant message")
	}
	if evt.kind != frameText || evt.text != "Hello world" {
		t.Errorf("expected text frame 'Hello world', got %+v", evt)
	}
	if terminal {
		t.Error("assistant message should not be terminal")
	}
}

func TestParseLine_AssistantMultipleBlocks(t *testing.T) {
	d := newTestDriver()
	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"Hello "},{"type":"tool_use","id":"t1"},{"type":"text","text":"world"}]}}`

	evt, terminal := d.parseLine([]byte(line))
	if evt == nil || evt.text != "Hello world" {
		t.Fatalf("expected concatenated text blocks, got %+v", evt)
	}
	if terminal {
		t.Error("should not be terminal")
	}
}

func TestParseLine_Result(t *testing.T) {
	d := newTestDriver()
	line := `{"type":"result","result":"Final answer"}`

	evt, terminal := d.parseLine([]byte(line))
	if evt == nil || evt.kind != frameResult || evt.text != "Final answer" {
		t.Fatalf("expected result frame, got %+v", evt)
	}
	if !terminal {
		t.Error("result must be terminal")
	}
}

func TestParseLine_ResultEmpty(t *testing.T) {
	d := newTestDriver()
	line := `{"type":"result","result":""}`

	evt, terminal := d.parseLine([]byte(line))
	if evt == nil || evt.text != "" {
		t.Fatalf("expected empty result text, got %+v", evt)
	}
	if !terminal {
		t.Error("result must be terminal even when empty")
	}
}

func TestParseLine_UnknownType(t *testing.T) {
	d := newTestDriver()
	line := `{"type":"system","subtype":"init"}`

	evt, terminal := d.parseLine([]byte(line))
	if evt != nil {
		t.Errorf("expected no event for unknown type, got %+v", evt)
	}
	if terminal {
		t.Error("unknown type should not be terminal")
	}
}

func TestParseLine_InvalidJSON(t *testing.T) {
	d := newTestDriver()
	evt, terminal := d.parseLine([]byte("not json"))
	if evt != nil || terminal {
		t.Errorf("expected no event for invalid JSON, got %+v terminal=%v", evt, terminal)
	}
}

// TestReadLoop_FullExchange simulates a child process emitting NDJSON
// through a pipe, the way the teacher's TestReadLoop_FullConversation does.
func TestReadLoop_FullExchange(t *testing.T) {
	d := newTestDriver()

	pr, pw := io.Pipe()
	go d.readLoop(pr)

	ch := make(chan frameEvent, 64)
	d.respMu.Lock()
	d.respCh = ch
	d.respMu.Unlock()

	writeLine(t, pw, `{"type":"assistant","message":{"content":[{"type":"text","text":"partial "}]}}`)
	writeLine(t, pw, `{"type":"result","result":"partial done"}`)

	var got []frameEvent
	timer := time.NewTimer(3 * time.Second)
	defer timer.Stop()
loop:
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				break loop
			}
			got = append(got, evt)
		case <-timer.C:
			t.Fatal("timed out waiting for events")
		}
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d: %+v", len(got), got)
	}
	if got[0].kind != frameText || got[0].text != "partial " {
		t.Errorf("event 0: %+v", got[0])
	}
	if got[1].kind != frameResult || got[1].text != "partial done" {
		t.Errorf("event 1: %+v", got[1])
	}

	pw.Close()
}

// TestReadLoop_EOFBeforeResult verifies that a pipe closing mid-response
// closes the response channel without a terminal result frame, which Ask
// surfaces as ErrDead.
func TestReadLoop_EOFBeforeResult(t *testing.T) {
	d := newTestDriver()

	pr, pw := io.Pipe()
	go d.readLoop(pr)

	ch := make(chan frameEvent, 64)
	d.respMu.Lock()
	d.respCh = ch
	d.respMu.Unlock()

	writeLine(t, pw, `{"type":"assistant","message":{"content":[{"type":"text","text":"oops"}]}}`)
	pw.Close()

	timer := time.NewTimer(3 * time.Second)
	defer timer.Stop()
	var sawClose bool
	for !sawClose {
		select {
		case _, ok := <-ch:
			if !ok {
				sawClose = true
			}
		case <-timer.C:
			t.Fatal("timed out waiting for channel close")
		}
	}
}

// TestAsk_RoundTrip exercises Ask end-to-end against manually wired pipes,
// verifying the request frame shape and response collection in one pass.
func TestAsk_RoundTrip(t *testing.T) {
	d := newTestDriver()

	stdinR, stdinW := io.Pipe()
	d.stdin = stdinW

	stdoutR, stdoutW := io.Pipe()
	go d.readLoop(stdoutR)

	stdinLine := make(chan string, 1)
	go func() {
		buf := make([]byte, 4096)
		n, err := stdinR.Read(buf)
		if err != nil {
			stdinLine <- ""
			return
		}
		stdinLine <- string(buf[:n])
	}()

	askDone := make(chan struct{})
	var reply string
	var askErr error
	go func() {
		reply, askErr = d.Ask(context.Background(), "2+2?")
		close(askDone)
	}()

	select {
	case line := <-stdinLine:
		if line == "" {
			t.Fatal("empty stdin write")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out reading stdin")
	}

	writeLine(t, stdoutW, `{"type":"result","result":"4"}`)

	select {
	case <-askDone:
	case <-time.After(3 * time.Second):
		t.Fatal("Ask did not return")
	}

	if askErr != nil {
		t.Fatalf("Ask error: %v", askErr)
	}
	if reply != "4" {
		t.Errorf("expected reply '4', got %q", reply)
	}

	stdoutW.Close()
}

func TestAsk_ClosedDriverRejectsImmediately(t *testing.T) {
	d := newTestDriver()
	d.state = stateExited

	_, err := d.Ask(context.Background(), "hi")
	if err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
