package osc

import (
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"
)

func startRecv(t *testing.T, h PacketHandler) (*Recv, int) {
	t.Helper()
	r := &Recv{Addr: "127.0.0.1:0", Timeout: 20 * time.Millisecond, Handler: h, Logger: zap.NewNop()}
	if err := r.Open(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r, r.LocalAddr().(*net.UDPAddr).Port
}

func sendTo(t *testing.T, port int, build func(p *Packet)) {
	t.Helper()
	s, err := NewSend(WithEndpoint("127.0.0.1", port))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	build(&s.Packet)
	if err := s.Send(); err != nil {
		t.Fatal(err)
	}
}

func TestRecvTimeout(t *testing.T) {
	r, _ := startRecv(t, nil)
	n, err := r.Recv()
	if n != 0 || err != nil {
		t.Errorf("Recv() on idle socket = %d, %v, want 0, nil", n, err)
	}
}

func TestRecvSingleRead(t *testing.T) {
	got := make(chan string, 1)
	r, port := startRecv(t, HandlerFunc(func(m *Message) {
		got <- m.AddressPattern() + " " + m.Sender()
	}))
	sendTo(t, port, func(p *Packet) {
		p.BeginMessage("/test").String("hello").Int32(42).Float32(3.14).EndMessage()
	})

	r.Timeout = time.Second
	n, err := r.Recv()
	if err != nil || n != len(helloMessage) {
		t.Fatalf("Recv() = %d, %v", n, err)
	}
	select {
	case s := <-got:
		if len(s) < len("/test 127.0.0.1:") || s[:len("/test 127.0.0.1:")] != "/test 127.0.0.1:" {
			t.Errorf("handler saw %q", s)
		}
	default:
		t.Fatal("handler was not called before Recv returned")
	}
}

func TestRecvStartStop(t *testing.T) {
	got := make(chan *received, 8)
	r, port := startRecv(t, nil)
	r.SetHandler(HandlerFunc(func(m *Message) {
		var i int32
		if err := m.Scan(&i); err != nil {
			t.Error(err)
		}
		got <- &received{address: m.AddressPattern(), timeTag: m.TimeTag(), args: []interface{}{i}}
	}))
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	if !r.Running() {
		t.Fatal("Running() = false after Start")
	}

	sendTo(t, port, func(p *Packet) { p.BeginMessage("/lone").Int32(1).EndMessage() })
	sendTo(t, port, func(p *Packet) {
		p.BeginBundle(99).BeginMessage("/bundled").Int32(2).EndMessage().EndBundle()
	})

	want := []received{{"/lone", TimeTagImmediate, nil}, {"/bundled", 99, nil}}
	for _, w := range want {
		select {
		case m := <-got:
			if m.address != w.address || m.timeTag != w.timeTag {
				t.Errorf("got %s with time tag %d, want %s with %d", m.address, m.timeTag, w.address, w.timeTag)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", w.address)
		}
	}

	start := time.Now()
	r.Stop()
	r.Stop()
	if d := time.Since(start); d > time.Second {
		t.Errorf("Stop() took %v", d)
	}
	if r.Running() {
		t.Error("Running() = true after Stop")
	}
	if !r.Opened() {
		t.Error("Stop closed the socket")
	}
}

func TestRecvClose(t *testing.T) {
	r, _ := startRecv(t, nil)
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if r.Opened() || r.Running() {
		t.Errorf("Opened() = %v, Running() = %v after Close", r.Opened(), r.Running())
	}
	if _, err := r.Recv(); !errors.Is(err, ErrNotOpened) {
		t.Errorf("Recv() after Close = %v, want ErrNotOpened", err)
	}
}

func TestRecvOpenFailure(t *testing.T) {
	_, port := startRecv(t, nil)
	r2 := &Recv{Addr: net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), Logger: zap.NewNop()}
	if err := r2.Open(); err == nil {
		r2.Close()
		t.Fatal("binding a port twice succeeded")
	}
	if r2.Opened() {
		t.Error("Opened() = true after failed Open")
	}
}

func TestRecvAttach(t *testing.T) {
	c, port := listenUDP(t)
	got := make(chan string, 1)
	r := &Recv{Timeout: time.Second, Logger: zap.NewNop(), Handler: HandlerFunc(func(m *Message) {
		got <- m.AddressPattern()
	})}
	if err := r.Attach(c); err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if err := r.Attach(c); err == nil {
		t.Error("second Attach succeeded")
	}
	sendTo(t, port, func(p *Packet) { p.BeginMessage("/attached").EndMessage() })
	if _, err := r.Recv(); err != nil {
		t.Fatal(err)
	}
	if s := <-got; s != "/attached" {
		t.Errorf("got %q", s)
	}
}
