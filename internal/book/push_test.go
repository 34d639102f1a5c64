package book

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/codedread/kthoom/internal/domain"
)

// scriptedProducer hands its listener back to the test so the test plays
// the producer role by invoking the callbacks directly.
type scriptedProducer struct {
	listener domain.ProducerListener
	ready    chan struct{}
}

var _ domain.PushProducer = (*scriptedProducer)(nil)

func newScriptedProducer() *scriptedProducer {
	return &scriptedProducer{ready: make(chan struct{})}
}

func (p *scriptedProducer) Subscribe(l domain.ProducerListener) {
	p.listener = l
	close(p.ready)
}

func (p *scriptedProducer) await(t *testing.T) domain.ProducerListener {
	t.Helper()
	select {
	case <-p.ready:
		return p.listener
	case <-time.After(5 * time.Second):
		t.Fatal("producer was never subscribed")
		return nil
	}
}

func TestLoadFromProducerOrderAcrossSlowBinderCreation(t *testing.T) {
	gate := make(chan struct{})
	factory := &fakeFactory{gate: gate}
	b := NewForPush("pump.cbz", factory, zaptest.NewLogger(t))
	producer := newScriptedProducer()

	done := make(chan error, 1)
	go func() {
		done <- b.LoadFromProducer(context.Background(), producer)
	}()

	l := producer.await(t)

	// A and B arrive while binder construction is still resolving on A.
	chunkA := []byte("AAAA-first")
	chunkB := []byte("BBBB-second")
	l.DataReceived(chunkA)
	l.DataReceived(chunkB)
	l.End()

	// Only now does construction resolve; the queued callbacks must replay
	// strictly in arrival order.
	close(gate)
	require.NoError(t, <-done)

	binder := factory.last(t)
	assert.Equal(t, chunkA, binder.initial)
	require.Len(t, binder.appends, 1)
	assert.Equal(t, chunkB, binder.appends[0])
	assert.Equal(t, append(append([]byte(nil), chunkA...), chunkB...), b.Bytes())
	assert.True(t, b.FinishedLoading())
}

func TestLoadFromProducerChunkConcatenation(t *testing.T) {
	factory := &fakeFactory{}
	b := NewForPush("many.cbz", factory, zaptest.NewLogger(t))
	producer := newScriptedProducer()

	done := make(chan error, 1)
	go func() {
		done <- b.LoadFromProducer(context.Background(), producer)
	}()

	l := producer.await(t)
	var want []byte
	for i := 0; i < 20; i++ {
		chunk := payload(37 + i)
		want = append(want, chunk...)
		l.DataReceived(chunk)
	}
	l.End()
	require.NoError(t, <-done)

	assert.Equal(t, want, b.Bytes())
	assert.Equal(t, want, factory.last(t).observed())
	assert.Len(t, b.Bytes(), len(want))
}

func TestLoadFromProducerReusedBufferIsCopied(t *testing.T) {
	gate := make(chan struct{})
	factory := &fakeFactory{gate: gate}
	b := NewForPush("reuse.cbz", factory, zaptest.NewLogger(t))
	producer := newScriptedProducer()

	done := make(chan error, 1)
	go func() {
		done <- b.LoadFromProducer(context.Background(), producer)
	}()

	// The producer reuses one buffer for every delivery, mutating it in
	// place between callbacks — the queue must have copied.
	l := producer.await(t)
	buf := []byte("XXXX")
	l.DataReceived(buf)
	copy(buf, "YYYY")
	l.DataReceived(buf)
	copy(buf, "ZZZZ")
	l.End()
	close(gate)
	require.NoError(t, <-done)

	assert.Equal(t, []byte("XXXXYYYY"), b.Bytes())
}

func TestLoadFromProducerEndWithoutChunks(t *testing.T) {
	factory := &fakeFactory{}
	b := NewForPush("empty.cbz", factory, zaptest.NewLogger(t))
	producer := newScriptedProducer()

	done := make(chan error, 1)
	go func() {
		done <- b.LoadFromProducer(context.Background(), producer)
	}()

	producer.await(t).End()
	require.NoError(t, <-done)

	// An empty push still binds over zero bytes and finishes loading.
	assert.True(t, b.StartedBinding())
	assert.True(t, b.FinishedLoading())
	assert.Empty(t, b.Bytes())
}

func TestLoadFromProducerUnblocksCallbacksAfterAbortedLoad(t *testing.T) {
	factory := &fakeFactory{createErr: errors.New("not a zip container")}
	b := NewForPush("garbage.bin", factory, zaptest.NewLogger(t))
	producer := newScriptedProducer()

	done := make(chan error, 1)
	go func() {
		done <- b.LoadFromProducer(context.Background(), producer)
	}()

	// The first chunk makes binder creation fail and the load return.
	l := producer.await(t)
	l.DataReceived([]byte("garbage"))
	require.Error(t, <-done)

	// A producer unaware of the failure keeps delivering well past the
	// queue depth and then terminates. Every callback must return even
	// though nobody drains the queue anymore.
	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		for i := 0; i < producerQueueDepth+8; i++ {
			l.DataReceived(payload(16))
		}
		l.End()
	}()

	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("producer callbacks stayed blocked after the load aborted")
	}
}

func TestLoadFromProducerErrorAbortsLoad(t *testing.T) {
	factory := &fakeFactory{}
	b := NewForPush("fail.cbz", factory, zaptest.NewLogger(t))
	producer := newScriptedProducer()

	done := make(chan error, 1)
	go func() {
		done <- b.LoadFromProducer(context.Background(), producer)
	}()

	boom := errors.New("socket reset")
	l := producer.await(t)
	l.DataReceived([]byte("partial"))
	l.Error(boom)

	err := <-done
	assert.ErrorIs(t, err, boom)
	assert.False(t, b.FinishedLoading())

	// The failed book is permanently spent.
	assert.False(t, b.NeedsLoading())
	assert.ErrorIs(t, b.LoadFromProducer(context.Background(), newScriptedProducer()), ErrInvalidState)
}
