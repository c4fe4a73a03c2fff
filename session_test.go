package gamesocket

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// memLink records the frames a session sends.
type memLink struct {
	mu     sync.Mutex
	frames []*Frame
	err    error
	dead   atomic.Bool
}

func (l *memLink) send(f *Frame) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.frames = append(l.frames, f)
	return nil
}

func (l *memLink) alive() bool {
	return !l.dead.Load()
}

func (l *memLink) sent() []*Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Frame(nil), l.frames...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestSession(t *testing.T, opt ...Option) (*Session, *memLink) {
	t.Helper()
	opts := newOptions(append([]Option{OnMessageOption(noopOnMessage), LoggerOption(discardLogger)}, opt...))
	if err := checkOptions(&opts); err != nil {
		t.Fatalf("checkOptions failed: %v", err)
	}
	l := &memLink{}
	return newSession(1, l, &opts), l
}

func TestSession_NextSendSequence(t *testing.T) {
	s, _ := newTestSession(t, SequenceWrapOption(3))

	want := []int{0, 1, 2, 3, 0, 1}
	for i, w := range want {
		if got := s.NextSendSequence(); got != w {
			t.Errorf("call %d: NextSendSequence = %d, want %d", i, got, w)
		}
	}
}

func TestSession_NextSendSequence_Concurrent(t *testing.T) {
	s, _ := newTestSession(t)

	const goroutines, perGoroutine = 8, 1000
	var (
		mu   sync.Mutex
		seen = make(map[int]bool)
		wg   sync.WaitGroup
	)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int, 0, perGoroutine)
			for i := 0; i < perGoroutine; i++ {
				local = append(local, s.NextSendSequence())
			}
			mu.Lock()
			for _, v := range local {
				seen[v] = true
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Fewer values than the wrap point, so every one is distinct.
	if len(seen) != goroutines*perGoroutine {
		t.Errorf("distinct sequences = %d, want %d", len(seen), goroutines*perGoroutine)
	}
	for i := 0; i < goroutines*perGoroutine; i++ {
		if !seen[i] {
			t.Fatalf("sequence %d never handed out", i)
		}
	}
}

func TestSession_ValidateReceiveSequence(t *testing.T) {
	s, _ := newTestSession(t, SequenceWrapOption(3))

	steps := []struct {
		seq  int
		want bool
	}{
		{-1, false}, // out of range, state untouched
		{4, false},
		{2, true}, // first accepted value is arbitrary
		{2, false},
		{3, true},
		{1, false},
		{0, true}, // wrapped
		{1, true},
	}
	for i, st := range steps {
		if got := s.ValidateReceiveSequence(st.seq); got != st.want {
			t.Errorf("step %d: ValidateReceiveSequence(%d) = %v, want %v", i, st.seq, got, st.want)
		}
	}
}

func TestSession_Values(t *testing.T) {
	s, _ := newTestSession(t)

	if _, ok := s.Get("user"); ok {
		t.Error("Get on empty session should miss")
	}
	s.Set("user", 42)
	if v, ok := s.Get("user"); !ok || v != 42 {
		t.Errorf("Get = %v, %v, want 42", v, ok)
	}
}

func TestSession_Reply(t *testing.T) {
	s, l := newTestSession(t)

	if err := s.Reply(&Frame{}, []byte("x")); err == nil {
		t.Error("Reply to a plain frame should fail")
	}

	req := &Frame{Flag: Flag(0).WithRequestMode(ModeRequest), RequestID: 17}
	if err := s.Reply(req, []byte("pong")); err != nil {
		t.Fatalf("Reply failed: %v", err)
	}

	sent := l.sent()
	if len(sent) != 1 || !sent[0].IsResponse() || sent[0].RequestID != 17 {
		t.Errorf("sent = %v, want one response to 17", sent)
	}
}

func TestSession_Send_Closed(t *testing.T) {
	s, l := newTestSession(t)

	l.dead.Store(true)
	if err := s.Send([]byte("x")); err != ErrSessionClosed {
		t.Errorf("Send on dead link = %v, want ErrSessionClosed", err)
	}
}

func TestSession_Request_ReverseOrderResponses(t *testing.T) {
	const n = 50
	s, l := newTestSession(t, RequestOption(5*time.Second), TimerOption(newTestTimer(t)))

	contexts := make([]*RequestContext, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			contexts[i] = s.Request(i, nil)
		}(i)
	}
	wg.Wait()

	if s.Pending() != n {
		t.Fatalf("Pending = %d, want %d", s.Pending(), n)
	}

	sent := l.sent()
	ids := make(map[int32]bool, n)
	for i := len(sent) - 1; i >= 0; i-- {
		f := sent[i]
		if !f.IsRequest() {
			t.Fatalf("frame %v is not a request", f)
		}
		ids[f.RequestID] = true
		s.handleResponse(&Frame{
			Flag:      Flag(0).WithRequestMode(ModeResponse),
			RequestID: f.RequestID,
			Body:      f.Body,
		})
	}
	if len(ids) != n {
		t.Errorf("distinct request ids = %d, want %d", len(ids), n)
	}

	for i, rc := range contexts {
		resp, err := rc.Response()
		if err != nil || resp != i {
			t.Errorf("request %d = %v, %v, want its own body", i, resp, err)
		}
	}
	if s.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", s.Pending())
	}
}

func TestSession_Request_Timeout(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry(), "")
	timer := newTestTimer(t)
	s, l := newTestSession(t, RequestOption(30*time.Millisecond), TimerOption(timer), MetricsOption(metrics))

	var calls atomic.Int32
	rc := s.Request("slow", func(got *Session, ctx *RequestContext) {
		calls.Add(1)
		if got != s {
			t.Error("callback got a different session")
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := rc.Wait(ctx); !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("Wait = %v, want ErrRequestTimeout", err)
	}

	// The late response is dropped.
	s.handleResponse(&Frame{Flag: Flag(0).WithRequestMode(ModeResponse), RequestID: l.sent()[0].RequestID, Body: "late"})

	if _, err := rc.Response(); !errors.Is(err, ErrRequestTimeout) {
		t.Errorf("Response = %v, want ErrRequestTimeout", err)
	}
	if calls.Load() != 1 {
		t.Errorf("callback calls = %d, want 1", calls.Load())
	}
	if got := testutil.ToFloat64(metrics.requests.WithLabelValues(outcomeUnknown)); got != 1 {
		t.Errorf("unknown responses = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.pendingRequests); got != 0 {
		t.Errorf("pending gauge = %v, want 0", got)
	}
	// The expired task finishes its bookkeeping after failing the request.
	waitFor(t, func() bool { return timer.Pending() == 0 })
}

func TestSession_Request_ResponseCancelsTimeout(t *testing.T) {
	timer := newTestTimer(t)
	s, l := newTestSession(t, RequestOption(time.Minute), TimerOption(timer))

	rc := s.Request("fast", nil)
	if timer.Pending() != 1 {
		t.Fatalf("timer pending = %d, want 1", timer.Pending())
	}

	s.handleResponse(&Frame{Flag: Flag(0).WithRequestMode(ModeResponse), RequestID: l.sent()[0].RequestID, Body: "ok"})

	if resp, err := rc.Response(); err != nil || resp != "ok" {
		t.Errorf("Response = %v, %v, want ok", resp, err)
	}
	if timer.Pending() != 0 {
		t.Errorf("timer pending = %d, want 0 after the response", timer.Pending())
	}
}

func TestSession_Request_SendError(t *testing.T) {
	timer := newTestTimer(t)
	s, l := newTestSession(t, RequestOption(time.Minute), TimerOption(timer))

	sendErr := errors.New("link down")
	l.err = sendErr

	rc := s.Request("x", nil)
	if _, err := rc.Response(); !errors.Is(err, sendErr) {
		t.Errorf("Response = %v, want the send error", err)
	}
	if s.Pending() != 0 || timer.Pending() != 0 {
		t.Errorf("Pending = %d, timer pending = %d, want 0", s.Pending(), timer.Pending())
	}
}

func TestSession_Close_FailsPending(t *testing.T) {
	const k = 7
	timer := newTestTimer(t)

	var closed atomic.Int32
	s, _ := newTestSession(t,
		RequestOption(time.Minute),
		TimerOption(timer),
		OnSessionCloseOption(func(*Session) { closed.Add(1) }),
	)

	// A second session on the same timer keeps its requests pending.
	open, _ := newTestSession(t, RequestOption(time.Minute), TimerOption(timer))
	for i := 0; i < k; i++ {
		open.Request(i, nil)
	}

	var calls atomic.Int32
	contexts := make([]*RequestContext, k)
	for i := range contexts {
		contexts[i] = s.Request(i, func(*Session, *RequestContext) { calls.Add(1) })
	}
	if n := timer.Pending(); n != 2*k {
		t.Fatalf("timer pending before close = %d, want %d", n, 2*k)
	}

	s.Close()
	s.Close()

	if n := timer.Pending(); n != k {
		t.Errorf("timer pending after close = %d, want %d", n, k)
	}

	for i, rc := range contexts {
		if _, err := rc.Response(); !errors.Is(err, ErrSessionClosed) {
			t.Errorf("request %d = %v, want ErrSessionClosed", i, err)
		}
	}
	if calls.Load() != k {
		t.Errorf("callbacks = %d, want %d", calls.Load(), k)
	}
	if closed.Load() != 1 {
		t.Errorf("close callbacks = %d, want 1", closed.Load())
	}
	if !s.IsClosed() {
		t.Error("IsClosed = false after Close")
	}
	rc := s.Request("after close", nil)
	if _, err := rc.Response(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Request after Close = %v, want ErrSessionClosed", err)
	}

	if left := timer.Stop(); len(left) != k {
		t.Errorf("unprocessed timeouts = %d, want the open session's %d", len(left), k)
	}
	if open.Pending() != k {
		t.Errorf("open session pending = %d, want %d", open.Pending(), k)
	}
}

func TestRequestContainer(t *testing.T) {
	rc := NewRequestContainer()

	a := &RequestContext{id: rc.GenerateID()}
	b := &RequestContext{id: rc.GenerateID()}
	if a.id <= 0 || b.id <= 0 || a.id == b.id {
		t.Fatalf("ids = %d, %d, want distinct positive ids", a.id, b.id)
	}

	if !rc.Add(a) || !rc.Add(b) {
		t.Fatal("Add failed")
	}
	if rc.Add(&RequestContext{id: a.id}) {
		t.Error("Add accepted a duplicate id")
	}
	if rc.Get(a.id) != a || rc.Len() != 2 {
		t.Errorf("Get = %v, Len = %d", rc.Get(a.id), rc.Len())
	}

	if rc.Remove(a.id) != a || rc.Remove(a.id) != nil {
		t.Error("Remove should detach exactly once")
	}

	drained := rc.Drain()
	if len(drained) != 1 || drained[0] != b || rc.Len() != 0 {
		t.Errorf("Drain = %v, Len = %d", drained, rc.Len())
	}
}

func TestRequestContainer_GenerateIDWraps(t *testing.T) {
	rc := NewRequestContainer()
	rc.next.Store(1<<31 - 2)

	if id := rc.GenerateID(); id != 1<<31-1 {
		t.Errorf("GenerateID = %d, want %d", id, 1<<31-1)
	}
	if id := rc.GenerateID(); id != 1 {
		t.Errorf("GenerateID after wrap = %d, want 1", id)
	}
}
