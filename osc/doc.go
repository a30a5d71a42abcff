// Copyright 2013 - 2015 Sebastian Ruml <sebastian.ruml@gmail.com>

/*
Package osc encodes, decodes and transports Open Sound Control packets.

The implementation follows the Open Sound Control 1.0 Specification
(http://opensoundcontrol.org/spec-1_0) and uses SLIP framing from OSC 1.1 for
the stream transport.

An OSC packet is a contiguous block of binary data whose size is always a
multiple of 4. It is either a message or a bundle.

OSC Messages: An OSC message consists of an OSC address pattern, followed
by an OSC Type Tag String, and finally by zero or more OSC arguments.

OSC Bundles: An OSC Bundle consists of the string "#bundle" followed
by an OSC Time Tag, followed by zero or more OSC bundle elements. Each bundle
element is its int32 size followed by another bundle or a message.

The following argument types are supported: 'i' (Int32), 'f' (Float32),
'd' (Float64), 's' (string), 'b' (blob), 'c' (char), 'h' (Int64),
't' (time tag), 'T' (True), 'F' (False), 'N' (Nil).

Address patterns are matched by exact string comparison; wildcards are not
interpreted.

Usage

Sending:

    s, err := osc.NewSend(osc.WithEndpoint("localhost", 9010))
    if err != nil {
        log.Fatal(err)
    }
    defer s.Close()
    s.BeginBundle(osc.TimeTagImmediate).
        BeginMessage("/test").String("hello").Int32(42).Float32(3.14).EndMessage().
        EndBundle()
    err = s.Send()

Receiving:

    d := osc.NewDispatcher()
    d.AddMsgHandlerFunc("/test", func(m *osc.Message) {
        var s string
        var i int32
        var f float32
        if err := m.Scan(&s, &i, &f); err == nil {
            fmt.Println(s, i, f)
        }
    })
    r := &osc.Recv{Addr: ":9010", Handler: d}
    if err := r.Start(); err != nil {
        log.Fatal(err)
    }
    defer r.Close()
*/
package osc
