// Copyright 2025 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package stdiopump provides a bidirectional, message-framed JSON-RPC
// 2.0 transport over a process's standard input and output.
//
// Payloads travel in Content-Length frames:
//
//	Content-Length: N\r\n\r\n<N bytes of JSON>
//
// A transport runs three workers: a reader that waits on stdin plus an
// OS wakeup primitive, extracts frames from a rolling buffer and
// dispatches them; a writer that drains a byte-bounded queue with
// non-blocking writes; and a deadline scheduler that expires pending
// requests. Outgoing requests are correlated to responses by id, and
// every request completion channel always resolves, with the peer's
// answer, "Request timeout" or "Transport closed".
//
// A typical embedding peer:
//
//	t, err := stdiopump.NewStdioTransport()
//	if err != nil {
//		log.Fatal(err)
//	}
//	t.SetRequestHandler(func(r *jsonrpc.Request) (*jsonrpc.Response, error) {
//		switch r.Method {
//		case "ping":
//			return &jsonrpc.Response{Result: json.RawMessage(`"pong"`)}, nil
//		}
//		return jsonrpc.NewErrorResponse(r.ID, jsonrpc.MethodNotFound, r.Method), nil
//	})
//	t.SetNotificationHandler(func(n *jsonrpc.Notification) {
//		// must not block; runs on the reader worker
//	})
//	t.SetErrorHandler(func(errmsg string) {
//		log.Print(errmsg)
//	})
//	t.Start()
//
//	resp := <-t.SendRequest(&jsonrpc.Request{Method: "initialize"})
//	if resp.IsError() {
//		log.Print(resp.Error.Message)
//	}
//
//	t.Close()
//
// The transport is one-shot: Close, an unrecoverable I/O error or a
// write-queue overflow permanently disconnects it. The standard
// streams are placed in non-blocking mode on POSIX and are never
// closed by the transport.
//
// MemoryTransport is an in-process implementation of the same
// Transport interface; NewMemoryPair connects two back to back, which
// is convenient for tests and for hosting client and server in one
// process.
package stdiopump
