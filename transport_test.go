// Copyright 2025 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package stdiopump

import (
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/someonegg/stdiopump/jsonrpc"
)

// pipePair connects two transports through a pair of pipes, the
// socketpair substitute for stdio loopback tests.
func pipePair(test *testing.T) (a, b *StdioTransport) {
	test.Helper()
	var p1, p2 [2]int
	if err := unix.Pipe(p1[:]); err != nil {
		test.Fatal("pipe", err)
	}
	if err := unix.Pipe(p2[:]); err != nil {
		test.Fatal("pipe", err)
	}
	a, err := newFDTransport(p1[0], p2[1])
	if err != nil {
		test.Fatal("transport", err)
	}
	b, err = newFDTransport(p2[0], p1[1])
	if err != nil {
		test.Fatal("transport", err)
	}
	test.Cleanup(func() {
		a.Close()
		b.Close()
		for _, fd := range []int{p1[0], p1[1], p2[0], p2[1]} {
			unix.Close(fd)
		}
	})
	return a, b
}

// rawTransport returns a transport whose input is fed by the returned
// descriptor; its output drains into a pipe nobody reads.
func rawTransport(test *testing.T) (t *StdioTransport, feedFD int) {
	test.Helper()
	var in, out [2]int
	if err := unix.Pipe(in[:]); err != nil {
		test.Fatal("pipe", err)
	}
	if err := unix.Pipe(out[:]); err != nil {
		test.Fatal("pipe", err)
	}
	t, err := newFDTransport(in[0], out[1])
	if err != nil {
		test.Fatal("transport", err)
	}
	test.Cleanup(func() {
		t.Close()
		unix.Close(in[0])
		unix.Close(out[0])
		unix.Close(out[1])
	})
	return t, in[1]
}

func TestStdioRoundTrip(test *testing.T) {
	a, b := pipePair(test)
	b.SetRequestHandler(func(r *jsonrpc.Request) (*jsonrpc.Response, error) {
		if r.Method != "ping" {
			return jsonrpc.NewErrorResponse(r.ID, jsonrpc.MethodNotFound, r.Method), nil
		}
		return &jsonrpc.Response{Result: json.RawMessage(`"pong"`)}, nil
	})
	a.Start()
	b.Start()

	resp := awaitResponse(test, a.SendRequest(&jsonrpc.Request{Method: "ping", Params: json.RawMessage(`{}`)}))
	if resp.IsError() || string(resp.Result) != `"pong"` {
		test.Fatal("round trip", resp)
	}
}

func TestStdioRequestTimeout(test *testing.T) {
	a, _ := pipePair(test)
	a.SetRequestTimeoutMs(50)
	a.Start() // the peer never starts, so nothing answers

	start := time.Now()
	resp := awaitResponse(test, a.SendRequest(&jsonrpc.Request{Method: "ping"}))
	if !resp.IsError() || resp.Error.Code != jsonrpc.InternalError || resp.Error.Message != "Request timeout" {
		test.Fatal("timeout response", resp.Error)
	}
	if time.Since(start) > 500*time.Millisecond {
		test.Fatal("timeout latency", time.Since(start))
	}
}

func TestStdioRequestTimeoutDisabled(test *testing.T) {
	a, _ := pipePair(test)
	a.SetRequestTimeoutMs(0)
	a.Start()

	ch := a.SendRequest(&jsonrpc.Request{Method: "ping"})
	select {
	case <-ch:
		test.Fatal("request resolved without peer or close")
	case <-time.After(100 * time.Millisecond):
	}

	a.Close()
	resp := awaitResponse(test, ch)
	if !resp.IsError() || resp.Error.Message != "Transport closed" {
		test.Fatal("close resolution", resp.Error)
	}
}

func TestStdioPartialFrameReassembly(test *testing.T) {
	t, feed := rawTransport(test)
	got := make(chan string, 1)
	t.SetNotificationHandler(func(n *jsonrpc.Notification) {
		got <- n.Method
	})
	t.Start()

	payload := []byte(`{"jsonrpc":"2.0","method":"hello"}`)
	frame := EncodeFrame(payload)
	if _, err := unix.Write(feed, frame[:len(frame)-2]); err != nil {
		test.Fatal("write", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := unix.Write(feed, frame[len(frame)-2:]); err != nil {
		test.Fatal("write", err)
	}

	select {
	case m := <-got:
		if m != "hello" {
			test.Fatal("method", m)
		}
	case <-time.After(1 * time.Second):
		test.Fatal("notification wait")
	}
	select {
	case <-got:
		test.Fatal("duplicate delivery")
	case <-time.After(50 * time.Millisecond):
	}
	unix.Close(feed)
}

func TestStdioPeerEOF(test *testing.T) {
	t, feed := rawTransport(test)
	var notes atomic.Int32
	t.SetNotificationHandler(func(n *jsonrpc.Notification) {
		notes.Add(1)
	})
	errC := make(chan string, 16)
	t.SetErrorHandler(func(errmsg string) { errC <- errmsg })
	t.Start()

	for i := 0; i < 3; i++ {
		payload, _ := (&jsonrpc.Notification{Method: "tick"}).Serialize()
		if _, err := unix.Write(feed, EncodeFrame(payload)); err != nil {
			test.Fatal("write", err)
		}
	}
	unix.Close(feed)

	select {
	case errmsg := <-errC:
		if errmsg != "EOF on stdin" {
			test.Fatal("error report", errmsg)
		}
	case <-time.After(1 * time.Second):
		test.Fatal("error wait")
	}

	select {
	case <-t.StopD():
	case <-time.After(1 * time.Second):
		test.Fatal("stop wait")
	}
	if t.IsConnected() {
		test.Fatal("still connected")
	}
	if n := notes.Load(); n != 3 {
		test.Fatal("notifications before EOF", n)
	}
}

func TestStdioWriteQueueOverflow(test *testing.T) {
	t, feed := rawTransport(test)
	t.SetWriteQueueMaxBytes(1024)
	errC := make(chan string, 16)
	t.SetErrorHandler(func(errmsg string) { errC <- errmsg })

	// jam stdout so the writer cannot drain the queue
	unix.SetNonblock(t.plat.outFD, true)
	junk := make([]byte, 4096)
	for {
		if _, err := unix.Write(t.plat.outFD, junk); err != nil {
			break
		}
	}
	t.Start()

	ch := t.SendRequest(&jsonrpc.Request{Method: "ping"})

	params := json.RawMessage(`"` + strings.Repeat("x", 200) + `"`)
	for i := 0; i < 10; i++ {
		t.SendNotification(&jsonrpc.Notification{Method: "spam", Params: params})
	}

	overflow := false
	deadline := time.After(1 * time.Second)
	for !overflow {
		select {
		case errmsg := <-errC:
			if errmsg == "write queue overflow" {
				overflow = true
			}
		case <-deadline:
			test.Fatal("overflow wait")
		}
	}

	select {
	case <-t.StopD():
	case <-time.After(1 * time.Second):
		test.Fatal("stop wait")
	}
	if t.IsConnected() {
		test.Fatal("still connected")
	}

	resp := awaitResponse(test, ch)
	if !resp.IsError() || resp.Error.Message != "Transport closed" {
		test.Fatal("pending after overflow", resp.Error)
	}
	unix.Close(feed)
}

func TestStdioCloseUnderLoad(test *testing.T) {
	a, b := pipePair(test)
	a.Start()
	b.Start()

	for i := 0; i < 100; i++ {
		a.SendNotification(&jsonrpc.Notification{Method: "tick"})
	}

	start := time.Now()
	a.Close()
	if elapsed := time.Since(start); elapsed > 1500*time.Millisecond {
		test.Fatal("close latency", elapsed)
	}

	if !waitDone(a.readerD, 1*time.Second) {
		test.Fatal("reader still live")
	}
	if !waitDone(a.writerD, 1*time.Second) {
		test.Fatal("writer still live")
	}
	if !waitDone(a.timeoutD, 1*time.Second) {
		test.Fatal("deadline worker still live")
	}
}

func TestStdioSendAfterClose(test *testing.T) {
	a, _ := pipePair(test)
	a.Start()
	a.Close()

	start := time.Now()
	resp := awaitResponse(test, a.SendRequest(&jsonrpc.Request{Method: "ping"}))
	if !resp.IsError() || resp.Error.Message != "Transport not connected" {
		test.Fatal("request after close", resp.Error)
	}
	if time.Since(start) > 100*time.Millisecond {
		test.Fatal("late resolution", time.Since(start))
	}
	if err := a.SendNotification(&jsonrpc.Notification{Method: "n"}); err != nil {
		test.Fatal("notification after close", err)
	}
}

func TestStdioIdleReadTimeout(test *testing.T) {
	t, feed := rawTransport(test)
	t.SetIdleReadTimeoutMs(50)
	errC := make(chan string, 16)
	t.SetErrorHandler(func(errmsg string) { errC <- errmsg })
	t.Start()

	select {
	case errmsg := <-errC:
		if errmsg != "idle read timeout" {
			test.Fatal("error report", errmsg)
		}
	case <-time.After(1 * time.Second):
		test.Fatal("idle wait")
	}

	select {
	case <-t.StopD():
	case <-time.After(1 * time.Second):
		test.Fatal("stop wait")
	}
	unix.Close(feed)
}

func TestStdioNotificationOrdering(test *testing.T) {
	t, feed := rawTransport(test)
	got := make(chan string, 16)
	t.SetNotificationHandler(func(n *jsonrpc.Notification) {
		got <- n.Method
	})
	t.Start()

	var stream []byte
	for _, m := range []string{"one", "two", "three"} {
		payload, _ := (&jsonrpc.Notification{Method: m}).Serialize()
		stream = append(stream, EncodeFrame(payload)...)
	}
	if _, err := unix.Write(feed, stream); err != nil {
		test.Fatal("write", err)
	}

	for _, want := range []string{"one", "two", "three"} {
		select {
		case m := <-got:
			if m != want {
				test.Fatal("order", m, want)
			}
		case <-time.After(1 * time.Second):
			test.Fatal("notification wait", want)
		}
	}
	unix.Close(feed)
}

func TestStdioMalformedHeaderRecovery(test *testing.T) {
	t, feed := rawTransport(test)
	got := make(chan string, 4)
	t.SetNotificationHandler(func(n *jsonrpc.Notification) {
		got <- n.Method
	})
	errC := make(chan string, 16)
	t.SetErrorHandler(func(errmsg string) { errC <- errmsg })
	t.Start()

	payload, _ := (&jsonrpc.Notification{Method: "after"}).Serialize()
	stream := []byte("Content-Length: 99999999\r\n\r\n") // over the cap
	stream = append(stream, EncodeFrame(payload)...)
	if _, err := unix.Write(feed, stream); err != nil {
		test.Fatal("write", err)
	}

	select {
	case errmsg := <-errC:
		if errmsg != "body too large" {
			test.Fatal("error report", errmsg)
		}
	case <-time.After(1 * time.Second):
		test.Fatal("error wait")
	}
	select {
	case m := <-got:
		if m != "after" {
			test.Fatal("method", m)
		}
	case <-time.After(1 * time.Second):
		test.Fatal("stream did not continue")
	}
	if !t.IsConnected() {
		test.Fatal("framing error must stay local")
	}
	unix.Close(feed)
}

// A payload whose params merely contain the "method" and "id" tokens
// must still classify by its typed shape.
func TestStdioClassificationTokens(test *testing.T) {
	t, feed := rawTransport(test)
	got := make(chan string, 1)
	t.SetNotificationHandler(func(n *jsonrpc.Notification) {
		got <- n.Method
	})
	t.SetRequestHandler(func(r *jsonrpc.Request) (*jsonrpc.Response, error) {
		test.Error("classified as request")
		return nil, nil
	})
	t.Start()

	payload := []byte(`{"jsonrpc":"2.0","method":"note","params":{"method":"inner","id":1}}`)
	if _, err := unix.Write(feed, EncodeFrame(payload)); err != nil {
		test.Fatal("write", err)
	}

	select {
	case m := <-got:
		if m != "note" {
			test.Fatal("method", m)
		}
	case <-time.After(1 * time.Second):
		test.Fatal("notification wait")
	}
	unix.Close(feed)
}
