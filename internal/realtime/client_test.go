package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ricochet1k/ghosttype/pkg/api"
)

type fakeConn struct {
	mu       sync.Mutex
	written  []api.ServerEnvelope
	controls []int
	failNext error
	failPing error
	closed   bool
}

func (f *fakeConn) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		return f.failNext
	}
	f.written = append(f.written, v.(api.ServerEnvelope))
	return nil
}

func (f *fakeConn) WriteControl(messageType int, _ []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, messageType)
	return f.failPing
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) pings() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, mt := range f.controls {
		if mt == websocket.PingMessage {
			n++
		}
	}
	return n
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) messages() []api.ServerEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.ServerEnvelope(nil), f.written...)
}

func waitResult(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for send result")
		return nil
	}
}

func TestClient_SendInOrder(t *testing.T) {
	conn := &fakeConn{}
	c := NewClient("c1", conn, nil)
	go c.WriteLoop()
	defer c.Close()

	first := c.Send(api.Token("a"))
	second := c.Send(api.Token("b"))
	third := c.Send(api.Done("ab"))
	for _, ch := range []<-chan error{first, second, third} {
		if err := waitResult(t, ch); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	got := conn.messages()
	if len(got) != 3 || got[0].Text() != "a" || got[1].Text() != "b" || got[2].Type != api.ServerMessageTypeDone {
		t.Errorf("written = %+v", got)
	}
}

func TestClient_SendAfterClose(t *testing.T) {
	conn := &fakeConn{}
	c := NewClient("c1", conn, nil)
	c.Close()

	if err := waitResult(t, c.Send(api.Token("x"))); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
	if !conn.closed {
		t.Error("conn not closed")
	}
	select {
	case <-c.Done():
	default:
		t.Error("Done not closed")
	}
}

func TestClient_WriteErrorClosesClient(t *testing.T) {
	boom := errors.New("broken pipe")
	conn := &fakeConn{failNext: boom}
	c := NewClient("c1", conn, nil)
	go c.WriteLoop()

	if err := waitResult(t, c.Send(api.Token("x"))); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client not closed after write error")
	}
	if err := waitResult(t, c.Send(api.Token("y"))); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func waitPings(t *testing.T, conn *fakeConn, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for conn.pings() < n {
		if time.Now().After(deadline) {
			t.Fatalf("pings = %d, want at least %d", conn.pings(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestClient_StartPing(t *testing.T) {
	conn := &fakeConn{}
	c := NewClient("c1", conn, nil)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c.StartPing(ctx, 5*time.Millisecond)
	waitPings(t, conn, 3)

	cancel()
	time.Sleep(20 * time.Millisecond)
	stopped := conn.pings()
	time.Sleep(30 * time.Millisecond)
	if got := conn.pings(); got != stopped {
		t.Errorf("pings kept coming after cancel: %d -> %d", stopped, got)
	}
}

func TestClient_StartPingStopsOnClose(t *testing.T) {
	conn := &fakeConn{}
	c := NewClient("c1", conn, nil)
	c.StartPing(context.Background(), 5*time.Millisecond)
	waitPings(t, conn, 1)

	c.Close()
	time.Sleep(20 * time.Millisecond)
	stopped := conn.pings()
	time.Sleep(30 * time.Millisecond)
	if got := conn.pings(); got != stopped {
		t.Errorf("pings kept coming after Close: %d -> %d", stopped, got)
	}
}

func TestClient_StartPingStopsOnError(t *testing.T) {
	conn := &fakeConn{failPing: errors.New("broken pipe")}
	c := NewClient("c1", conn, nil)
	defer c.Close()
	c.StartPing(context.Background(), 5*time.Millisecond)
	waitPings(t, conn, 1)

	time.Sleep(40 * time.Millisecond)
	if got := conn.pings(); got != 1 {
		t.Errorf("pings = %d after a failed ping, want 1", got)
	}
}

func TestHub_RegisterAndCloseAll(t *testing.T) {
	h := NewHub()
	a := &fakeConn{}
	b := &fakeConn{}
	ca := NewClient("a", a, nil)
	cb := NewClient("b", b, nil)
	h.Register(ca)
	h.Register(cb)
	if h.Len() != 2 {
		t.Fatalf("Len = %d, want 2", h.Len())
	}

	h.Unregister("a")
	if h.Len() != 1 || !a.closed {
		t.Fatalf("after Unregister: Len = %d closed = %v", h.Len(), a.closed)
	}
	h.Unregister("missing")

	h.CloseAll()
	select {
	case <-cb.Done():
	default:
		t.Error("CloseAll left client open")
	}
	if !b.closed {
		t.Error("conn not closed")
	}
}
