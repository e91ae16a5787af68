package eventbus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ev string

func (e ev) GetType() string { return string(e) }

type recorder struct {
	ch  chan Event
	mu  sync.Mutex
	got []string
}

func newRecorder() *recorder { return &recorder{ch: make(chan Event, 16)} }

func (r *recorder) GetChannel() chan Event { return r.ch }
func (r *recorder) OnEvent(e Event) {
	r.mu.Lock()
	r.got = append(r.got, e.GetType())
	r.mu.Unlock()
}

func TestFanoutToAllSubscribers(t *testing.T) {
	b := New()
	r1, r2 := newRecorder(), newRecorder()
	b.Subscribe(r1)
	b.Start()
	b.Subscribe(r2)

	for _, e := range []string{"a", "b", "c"} {
		b.Publish(ev(e))
	}
	b.WaitForProcessing()
	assert.Equal(t, []string{"a", "b", "c"}, r1.got)
	assert.Equal(t, []string{"a", "b", "c"}, r2.got)
	b.Stop()
	b.Stop()
}

func TestPublishBeforeStartIsDropped(t *testing.T) {
	b := New()
	r := newRecorder()
	b.Subscribe(r)
	require.False(t, b.TryPublish(ev("early")))
	b.Start()
	b.Publish(ev("late"))
	b.Stop()
	assert.Equal(t, []string{"late"}, r.got)
}

type panicky struct{ *recorder }

func (p panicky) OnEvent(Event) { panic("boom") }

func TestPanickingSubscriberDoesNotWedge(t *testing.T) {
	b := New()
	b.Subscribe(panicky{newRecorder()})
	r := newRecorder()
	b.Subscribe(r)
	b.Start()
	b.Publish(ev("x"))
	b.WaitForProcessing()
	b.Stop()
	assert.Equal(t, []string{"x"}, r.got)
}

func TestTryPublishDropsWhenFull(t *testing.T) {
	b := New(WithPublishBuffer(1))
	blocked := &recorder{ch: make(chan Event)}
	b.Subscribe(blocked)
	// not started: nothing drains pubCh, so fill it by hand
	b.started.Store(true)
	require.True(t, b.TryPublish(ev("1")))
	require.False(t, b.TryPublish(ev("2")))
	assert.Equal(t, int64(1), b.Dropped())
}
