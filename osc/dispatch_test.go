package osc

import "testing"

func TestAddMsgHandlerWithInvalidAddress(t *testing.T) {
	d := NewDispatcher()
	for _, addr := range []string{"/address*/test", "no/slash", "/with space", "/a{b,c}"} {
		if err := d.AddMsgHandlerFunc(addr, func(*Message) {}); err == nil {
			t.Errorf("expected error with %q", addr)
		}
	}
}

func TestDispatcherExactMatch(t *testing.T) {
	d := NewDispatcher()
	var hits, fallback []string
	if err := d.AddMsgHandlerFunc("/address/test", func(m *Message) { hits = append(hits, m.AddressPattern()) }); err != nil {
		t.Fatalf("Expected that OSC address '/address/test' is valid: %v", err)
	}
	if err := d.AddMsgHandlerFunc("/address/test", func(*Message) {}); err == nil {
		t.Error("registering an address twice succeeded")
	}
	d.SetFallback(HandlerFunc(func(m *Message) { fallback = append(fallback, m.AddressPattern()) }))

	var p Packet
	p.BeginBundle(1).
		BeginMessage("/address/test").EndMessage().
		BeginMessage("/address/test/more").EndMessage().
		BeginMessage("/address").EndMessage().
		EndBundle()
	if err := Parse(p.Data(), TimeTagImmediate, "", d); err != nil {
		t.Fatal(err)
	}
	if !equalStrings(hits, []string{"/address/test"}) {
		t.Errorf("hits = %v", hits)
	}
	if !equalStrings(fallback, []string{"/address/test/more", "/address"}) {
		t.Errorf("fallback = %v", fallback)
	}

	d.RemoveMsgHandler("/address/test")
	hits = nil
	Parse(p.Data(), TimeTagImmediate, "", d)
	if len(hits) != 0 {
		t.Errorf("removed handler still called: %v", hits)
	}
}
