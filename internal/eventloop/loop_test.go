package eventloop

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"ctpflow/models"
)

type fakeHandler struct {
	mu       sync.Mutex
	mdSeen   []*models.Envelope
	tdSeen   []*models.Envelope
	downErr  error
	downSeen bool
	notify   chan struct{}
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{notify: make(chan struct{}, 16)}
}

func (h *fakeHandler) HandleMarketData(env *models.Envelope) {
	h.mu.Lock()
	h.mdSeen = append(h.mdSeen, env)
	h.mu.Unlock()
	h.notify <- struct{}{}
}

func (h *fakeHandler) HandleTradeData(env *models.Envelope) {
	h.mu.Lock()
	h.tdSeen = append(h.tdSeen, env)
	h.mu.Unlock()
	h.notify <- struct{}{}
}

func (h *fakeHandler) HandleLoopDown(err error) {
	h.mu.Lock()
	h.downErr = err
	h.downSeen = true
	h.mu.Unlock()
	h.notify <- struct{}{}
}

func (h *fakeHandler) wait(t *testing.T) {
	t.Helper()
	select {
	case <-h.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}
}

func startLoop(t *testing.T, h Handler, md, td chan *models.Envelope) *Loop {
	t.Helper()
	l := NewLoop(16, md, td, h)
	if err := l.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return l
}

func TestScheduleReturnsResult(t *testing.T) {
	l := startLoop(t, newFakeHandler(), nil, nil)
	defer l.Stop(time.Second)

	fut := l.Schedule(func() (any, error) { return 42, nil })
	v, err := fut.Wait(time.Second)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if v.(int) != 42 {
		t.Fatalf("unexpected value: %v", v)
	}
}

func TestStartTwice(t *testing.T) {
	l := startLoop(t, newFakeHandler(), nil, nil)
	defer l.Stop(time.Second)

	if err := l.Start(); err == nil {
		t.Fatal("second Start should fail")
	}
}

func TestScheduleAfterStopFailsFast(t *testing.T) {
	l := startLoop(t, newFakeHandler(), nil, nil)
	if err := l.Stop(time.Second); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	start := time.Now()
	fut := l.Schedule(func() (any, error) { return nil, nil })
	_, err := fut.Wait(time.Second)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("failed future should resolve immediately")
	}
	if l.Running() {
		t.Fatal("loop still reports running after Stop")
	}
}

func TestStopFailsQueuedTasks(t *testing.T) {
	l := startLoop(t, newFakeHandler(), nil, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	blocker := l.Schedule(func() (any, error) {
		close(entered)
		<-release
		return nil, nil
	})
	<-entered

	queued := l.Schedule(func() (any, error) { return "never", nil })

	go func() {
		// Let Stop close the stop channel while the loop is busy,
		// then release the blocker.
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	if err := l.Stop(2 * time.Second); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if _, err := blocker.Wait(time.Second); err != nil {
		t.Fatalf("running task should finish cleanly: %v", err)
	}
	if _, err := queued.Wait(time.Second); !errors.Is(err, ErrTerminated) {
		t.Fatalf("queued task should fail with ErrTerminated, got %v", err)
	}
}

func TestTaskPanicIsIsolated(t *testing.T) {
	l := startLoop(t, newFakeHandler(), nil, nil)
	defer l.Stop(time.Second)

	fut := l.Schedule(func() (any, error) { panic("boom") })
	_, err := fut.Wait(time.Second)
	if err == nil || !strings.Contains(err.Error(), "task panic") {
		t.Fatalf("expected task panic error, got %v", err)
	}

	// The loop survives a panicking task.
	if !l.Running() {
		t.Fatal("loop died with the task")
	}
	v, err := l.Schedule(func() (any, error) { return "alive", nil }).Wait(time.Second)
	if err != nil || v.(string) != "alive" {
		t.Fatalf("loop unusable after task panic: %v %v", v, err)
	}
}

func TestHandlerReceivesEnvelopes(t *testing.T) {
	h := newFakeHandler()
	md := make(chan *models.Envelope, 1)
	td := make(chan *models.Envelope, 1)
	l := startLoop(t, h, md, td)
	defer l.Stop(time.Second)

	md <- &models.Envelope{MsgType: models.MsgRtnDepthMarketData}
	h.wait(t)
	td <- &models.Envelope{MsgType: models.MsgRtnOrder}
	h.wait(t)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.mdSeen) != 1 || h.mdSeen[0].MsgType != models.MsgRtnDepthMarketData {
		t.Fatalf("market data not dispatched: %+v", h.mdSeen)
	}
	if len(h.tdSeen) != 1 || h.tdSeen[0].MsgType != models.MsgRtnOrder {
		t.Fatalf("trade data not dispatched: %+v", h.tdSeen)
	}
}

func TestHandlerPanicDoesNotKillLoop(t *testing.T) {
	h := newFakeHandler()
	md := make(chan *models.Envelope, 1)
	l := NewLoop(16, md, nil, &panickyHandler{fakeHandler: h})
	if err := l.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer l.Stop(time.Second)

	md <- &models.Envelope{MsgType: models.MsgRtnDepthMarketData}

	v, err := l.Schedule(func() (any, error) { return "ok", nil }).Wait(time.Second)
	if err != nil || v.(string) != "ok" {
		t.Fatalf("loop unusable after handler panic: %v %v", v, err)
	}
}

type panickyHandler struct {
	*fakeHandler
}

func (h *panickyHandler) HandleMarketData(env *models.Envelope) {
	panic("bad handler")
}

func TestLoopDownNotification(t *testing.T) {
	h := newFakeHandler()
	l := startLoop(t, h, nil, nil)

	if err := l.Stop(time.Second); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.downSeen {
		t.Fatal("HandleLoopDown never called")
	}
	if h.downErr != nil {
		t.Fatalf("clean stop should carry no cause, got %v", h.downErr)
	}
}

func TestStopTwice(t *testing.T) {
	l := startLoop(t, newFakeHandler(), nil, nil)
	if err := l.Stop(time.Second); err != nil {
		t.Fatalf("first Stop failed: %v", err)
	}
	if err := l.Stop(time.Second); err != nil {
		t.Fatalf("second Stop should be a no-op, got %v", err)
	}
}

func TestFutureWaitTimeout(t *testing.T) {
	l := startLoop(t, newFakeHandler(), nil, nil)
	defer l.Stop(time.Second)

	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	l.Schedule(func() (any, error) { close(entered); <-release; return nil, nil })
	<-entered

	fut := l.Schedule(func() (any, error) { return nil, nil })
	_, err := fut.Wait(20 * time.Millisecond)
	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout, got %v", err)
	}
}
