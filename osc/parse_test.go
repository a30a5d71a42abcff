package osc

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type received struct {
	address string
	timeTag TimeTag
	args    []interface{}
}

type collector struct {
	t    *testing.T
	msgs []received
}

func (c *collector) OnMessage(m *Message) {
	args, err := m.Arguments()
	if err != nil {
		c.t.Errorf("Arguments() for %s: %v", m.AddressPattern(), err)
	}
	c.msgs = append(c.msgs, received{m.AddressPattern(), m.TimeTag(), args})
}

func (c *collector) addresses() []string {
	var out []string
	for _, m := range c.msgs {
		out = append(out, m.address)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestParseMessageRoundTrip(t *testing.T) {
	c := &collector{t: t}
	if err := Parse(helloMessage, TimeTagImmediate, "", c); err != nil {
		t.Fatal(err)
	}
	if len(c.msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(c.msgs))
	}
	got := c.msgs[0]
	if got.address != "/test" || got.timeTag != TimeTagImmediate {
		t.Errorf("got %s with time tag %d", got.address, got.timeTag)
	}
	if len(got.args) != 3 || got.args[0] != "hello" || got.args[1] != int32(42) || got.args[2] != float32(3.14) {
		t.Errorf("args = %#v", got.args)
	}
}

func TestParseNestedBundles(t *testing.T) {
	var p Packet
	p.BeginBundle(10).
		BeginMessage("/a").Int32(1).EndMessage().
		BeginBundle(20).
		BeginMessage("/b").EndMessage().
		BeginBundle(30).
		BeginMessage("/c").String("deep").EndMessage().
		EndBundle().
		BeginMessage("/d").EndMessage().
		EndBundle().
		BeginMessage("/e").Float64(1.5).EndMessage().
		EndBundle()

	c := &collector{t: t}
	if err := Parse(p.Data(), TimeTagImmediate, "", c); err != nil {
		t.Fatal(err)
	}

	wantAddrs := []string{"/a", "/b", "/c", "/d", "/e"}
	wantTags := []TimeTag{10, 20, 30, 20, 10}
	if !equalStrings(c.addresses(), wantAddrs) {
		t.Fatalf("delivery order = %v, want %v", c.addresses(), wantAddrs)
	}
	for i, m := range c.msgs {
		if m.timeTag != wantTags[i] {
			t.Errorf("%s time tag = %d, want %d", m.address, m.timeTag, wantTags[i])
		}
	}
}

func TestParseMalformed(t *testing.T) {
	// A bundle with a valid message followed by an element whose size runs
	// past the end of the packet.
	var p Packet
	p.BeginBundle(1).BeginMessage("/ok").Int32(7).EndMessage().EndBundle()
	truncated := append(append([]byte(nil), p.Data()...), 0, 0, 0, 64, '/', 'x', 0, 0)

	// A bundle whose first element is garbage and whose second is valid.
	garbage := []byte{'#', 'b', 'u', 'n', 'd', 'l', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 1,
		0, 0, 0, 4, 'x', 'x', 'x', 'x',
		0, 0, 0, 8, '/', 'o', 'k', 0, ',', 0, 0, 0,
	}

	tests := []struct {
		name  string
		data  []byte
		addrs []string
	}{
		{"empty", nil, nil},
		{"unknown start byte", []byte{'x', 0, 0, 0}, nil},
		{"bad bundle marker", []byte{'#', 'b', 'o', 'g', 'u', 's', 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}, nil},
		{"bundle without time tag", []byte{'#', 'b', 'u', 'n', 'd', 'l', 'e', 0, 0, 0}, nil},
		{"truncated element", truncated, []string{"/ok"}},
		{"garbage sibling", garbage, []string{"/ok"}},
		{"truncated message", helloMessage[:20], nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &collector{t: t}
			err := Parse(tt.data, TimeTagImmediate, "", c)
			if !errors.Is(err, ErrMalformedPacket) {
				t.Errorf("Parse() error = %v, want ErrMalformedPacket", err)
			}
			if !equalStrings(c.addresses(), tt.addrs) {
				t.Errorf("delivered %v, want %v", c.addresses(), tt.addrs)
			}
		})
	}
}

func nestedBundles(depth int) []byte {
	var p Packet
	for i := 0; i < depth; i++ {
		p.BeginBundle(TimeTag(i + 2))
	}
	p.BeginMessage("/leaf").EndMessage()
	for i := 0; i < depth; i++ {
		p.EndBundle()
	}
	return p.Data()
}

func TestParseMaxDepth(t *testing.T) {
	tests := []struct {
		name     string
		maxDepth int
		depth    int
		wantErr  bool
	}{
		{"default allows 32", 0, DefaultMaxDepth, false},
		{"default rejects 33", 0, DefaultMaxDepth + 1, true},
		{"custom limit", 2, 3, true},
		{"unbounded", -1, 100, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &collector{t: t}
			pr := Parser{Logger: zap.NewNop(), MaxDepth: tt.maxDepth}
			err := pr.Parse(nestedBundles(tt.depth), TimeTagImmediate, "", c)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr {
				if len(c.msgs) != 1 || c.msgs[0].timeTag != TimeTag(tt.depth+1) {
					t.Errorf("got %v", c.msgs)
				}
			} else if len(c.msgs) != 0 {
				t.Errorf("messages delivered past the depth limit: %v", c.msgs)
			}
		})
	}
}

func TestParseRecoversHandlerPanic(t *testing.T) {
	var p Packet
	p.BeginBundle(1).
		BeginMessage("/boom").EndMessage().
		BeginMessage("/after").EndMessage().
		EndBundle()

	core, logs := observer.New(zap.WarnLevel)
	var seen []string
	h := HandlerFunc(func(m *Message) {
		seen = append(seen, m.AddressPattern())
		if m.AddressPattern() == "/boom" {
			panic("handler failure")
		}
	})
	pr := Parser{Logger: zap.New(core)}
	if err := pr.Parse(p.Data(), TimeTagImmediate, "", h); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if !equalStrings(seen, []string{"/boom", "/after"}) {
		t.Errorf("seen = %v", seen)
	}
	if logs.FilterMessage("recovered panic in OSC handler").Len() != 1 {
		t.Errorf("panic was not logged: %v", logs.All())
	}
}

func BenchmarkParse(b *testing.B) {
	var p Packet
	p.BeginBundle(TimeTagImmediate).
		BeginMessage("/composition/layers/1/clips/1/transport/position").Float64(0.123456789).String("hello world").EndMessage().
		EndBundle()
	data := p.Data()
	h := HandlerFunc(func(m *Message) {})
	var pr Parser
	b.ReportAllocs()
	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		pr.Parse(data, TimeTagImmediate, "", h)
	}
}

func FuzzParse(f *testing.F) {
	f.Add(helloMessage)
	f.Add(nestedBundles(3))
	f.Add([]byte{'#', 'b', 'u', 'n', 'd', 'l', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 1, 0, 0, 0, 4, 'x', 'x', 'x', 'x'})
	pr := Parser{Logger: zap.NewNop()}
	f.Fuzz(func(t *testing.T, data []byte) {
		pr.Parse(data, TimeTagImmediate, "", HandlerFunc(func(m *Message) {
			// Every delivered message must be fully decodable.
			if _, err := m.Arguments(); err != nil {
				t.Fatalf("delivered message fails to decode: %v", err)
			}
		}))
	})
}
