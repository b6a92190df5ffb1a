// ABOUTME: Test helpers for code that publishes on a bus
// ABOUTME: Recorder is a Subscriber that collects decoded event frames

package bustest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/2389/coven-chat/internal/bus"
	"github.com/2389/coven-chat/internal/protocol"
)

// Recorder buffers every envelope it receives.
type Recorder struct {
	id string
	ch chan bus.Envelope
}

// NewRecorder creates a recorder with room for 256 envelopes.
func NewRecorder(id string) *Recorder {
	return &Recorder{id: id, ch: make(chan bus.Envelope, 256)}
}

func (r *Recorder) ID() string { return r.id }

func (r *Recorder) Deliver(env bus.Envelope) error {
	r.ch <- env
	return nil
}

// Next waits for the next frame or fails the test after two seconds.
func (r *Recorder) Next(t testing.TB) *protocol.EventFrame {
	t.Helper()
	select {
	case env := <-r.ch:
		frame, err := protocol.DecodeEventFrame(env.Payload)
		if err != nil {
			t.Fatalf("%s: %v", r.id, err)
		}
		return frame
	case <-time.After(2 * time.Second):
		t.Fatalf("%s: timed out waiting for event", r.id)
		return nil
	}
}

// NextData waits for the next frame, checks its event name, and decodes its
// data into out.
func (r *Recorder) NextData(t testing.TB, event string, out any) {
	t.Helper()
	frame := r.Next(t)
	if frame.Event != event {
		t.Fatalf("%s: got event %q, want %q", r.id, frame.Event, event)
	}
	if err := json.Unmarshal(frame.Data, out); err != nil {
		t.Fatalf("%s: decoding %s: %v", r.id, event, err)
	}
}

// None fails the test if a frame arrives within wait.
func (r *Recorder) None(t testing.TB, wait time.Duration) {
	t.Helper()
	select {
	case env := <-r.ch:
		t.Fatalf("%s: unexpected %s event on %s", r.id, env.Event, env.Channel)
	case <-time.After(wait):
	}
}

// Drain returns every frame already received without waiting.
func (r *Recorder) Drain(t testing.TB) []*protocol.EventFrame {
	t.Helper()
	var frames []*protocol.EventFrame
	for {
		select {
		case env := <-r.ch:
			frame, err := protocol.DecodeEventFrame(env.Payload)
			if err != nil {
				t.Fatalf("%s: %v", r.id, err)
			}
			frames = append(frames, frame)
		default:
			return frames
		}
	}
}

// Subscribe attaches a new recorder to channel for the rest of the test.
func Subscribe(t testing.TB, b bus.Bus, channel string) *Recorder {
	t.Helper()
	r := NewRecorder(channel)
	if _, err := b.Subscribe(t.Context(), channel, r); err != nil {
		t.Fatalf("subscribing to %s: %v", channel, err)
	}
	return r
}
