package osc

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestTCPRoundTrip(t *testing.T) {
	got := make(chan *received, 4)
	ts := &TCPRecv{
		Addr:   "127.0.0.1:0",
		Logger: zap.NewNop(),
		Handler: HandlerFunc(func(m *Message) {
			args, err := m.Arguments()
			if err != nil {
				t.Error(err)
			}
			for i, a := range args {
				if b, ok := a.([]byte); ok {
					args[i] = append([]byte(nil), b...)
				}
			}
			got<- &received{address: m.AddressPattern(), timeTag: m.TimeTag(), args: args}
		}),
	}
	if err := ts.Listen(); err != nil {
		t.Fatal(err)
	}
	served := make(chan error, 1)
	go func() { served <- ts.ListenAndServe() }()

	tc, err := DialTCP(ts.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer tc.Close()

	if err := tc.SendMessage("/test", "hello", int32(42), float32(3.14)); err != nil {
		t.Fatal(err)
	}
	// SLIP escapes END and ESC bytes inside the payload.
	p := NewPacket(64)
	p.BeginBundle(5).BeginMessage("/blob").Blob([]byte{0xc0, 0xdb, 0x00}).EndMessage().EndBundle()
	if err := tc.Send(p); err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{"/test", "/blob"} {
		select {
		case m := <-got:
			if m.address != want {
				t.Errorf("got %s, want %s", m.address, want)
			}
			if want == "/blob" {
				b, _ := m.args[0].([]byte)
				if m.timeTag != 5 || len(b) != 3 || b[0] != 0xc0 || b[1] != 0xdb {
					t.Errorf("blob message = %d %v", m.timeTag, m.args)
				}
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}

	if err := ts.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("ListenAndServe() after Close = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ListenAndServe did not return after Close")
	}
}
