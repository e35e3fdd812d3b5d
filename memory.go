// Copyright 2025 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stdiopump

import (
	"bytes"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/someonegg/gox/syncx"

	"github.com/someonegg/stdiopump/jsonrpc"
)

// MemoryTransport is an in-process Transport. Two instances are wired
// back to back by NewMemoryPair; what one sends the other receives.
// It is the byte-stream-free sibling of StdioTransport, used to embed
// client and server in one process and as the test-suite stand-in for
// a socket pair.
//
// There is no deadline scheduler: a request against a silent peer
// resolves when this side closes. Closing the peer does not resolve
// requests already pending here.
type MemoryTransport struct {
	sessionID string
	logger    logr.Logger

	nh NotificationHandler
	rh RequestHandler
	eh ErrorHandler

	connected atomic.Bool
	stopOnce  sync.Once
	stopD     syncx.DoneChan
	procD     syncx.DoneChan

	peer *MemoryTransport

	qMu   sync.Mutex
	qCond *sync.Cond
	queue [][]byte

	reqMu      sync.Mutex
	pending    map[string]pendingSlot
	reqCounter atomic.Uint32
}

// NewMemoryPair allocates two connected transports. Both must still be
// started.
func NewMemoryPair() (*MemoryTransport, *MemoryTransport) {
	a := newMemoryTransport()
	b := newMemoryTransport()
	a.peer, b.peer = b, a
	return a, b
}

func newMemoryTransport() *MemoryTransport {
	t := &MemoryTransport{
		sessionID: "memory-" + strconv.Itoa(1000+rand.Intn(9000)),
		logger:    logr.Discard(),
		stopD:     syncx.NewDoneChan(),
		procD:     syncx.NewDoneChan(),
		pending:   make(map[string]pendingSlot),
	}
	t.qCond = sync.NewCond(&t.qMu)
	return t
}

// SetLogger is optional; the default discards everything.
func (t *MemoryTransport) SetLogger(l logr.Logger) { t.logger = l }

func (t *MemoryTransport) SetNotificationHandler(h NotificationHandler) { t.nh = h }
func (t *MemoryTransport) SetRequestHandler(h RequestHandler)           { t.rh = h }
func (t *MemoryTransport) SetErrorHandler(h ErrorHandler)               { t.eh = h }

func (t *MemoryTransport) IsConnected() bool { return t.connected.Load() }
func (t *MemoryTransport) SessionID() string { return t.sessionID }

// StopD is signaled when the transport leaves the connected state.
func (t *MemoryTransport) StopD() syncx.DoneChanR { return t.stopD.R() }

// Start spawns the processing worker.
func (t *MemoryTransport) Start() error {
	t.connected.Store(true)
	go t.processMain()
	return nil
}

// Close disconnects this side and fails every pending request with
// "Transport closed". Close and the processing worker's epilogue race
// to signal stopD; it transitions exactly once.
func (t *MemoryTransport) Close() error {
	t.connected.Store(false)
	t.stopOnce.Do(t.stopD.SetDone)
	t.qCond.Broadcast()
	waitDone(t.procD, workerExitWait)
	t.failPending("Transport closed")
	return nil
}

// SendRequest queues the request for the peer and returns its
// completion channel.
func (t *MemoryTransport) SendRequest(req *jsonrpc.Request) <-chan *jsonrpc.Response {
	ch := make(chan *jsonrpc.Response, 1)
	if !t.connected.Load() {
		ch <- jsonrpc.NewErrorResponse(jsonrpc.StringID(t.nextRequestID()),
			jsonrpc.InternalError, "Transport not connected")
		return ch
	}

	if !req.ID.IsSet() {
		req.ID = jsonrpc.StringID(t.nextRequestID())
	}
	key := req.ID.Key()

	t.reqMu.Lock()
	t.pending[key] = pendingSlot{id: req.ID, ch: ch}
	t.reqMu.Unlock()

	payload, err := req.Serialize()
	if err != nil {
		t.reqMu.Lock()
		delete(t.pending, key)
		t.reqMu.Unlock()
		ch <- jsonrpc.NewErrorResponse(req.ID, jsonrpc.InternalError, err.Error())
		return ch
	}
	if !t.peer.deliver(payload) {
		t.reportError("peer disconnected")
		t.reqMu.Lock()
		delete(t.pending, key)
		t.reqMu.Unlock()
		ch <- jsonrpc.NewErrorResponse(req.ID, jsonrpc.InternalError, "Transport closed")
	}
	return ch
}

// SendNotification queues the notification for the peer. After
// disconnect it is silently dropped.
func (t *MemoryTransport) SendNotification(n *jsonrpc.Notification) error {
	if !t.connected.Load() {
		return nil
	}
	payload, err := n.Serialize()
	if err != nil {
		return err
	}
	t.peer.deliver(payload)
	return nil
}

func (t *MemoryTransport) nextRequestID() string {
	return "req-" + strconv.FormatUint(uint64(t.reqCounter.Add(1)), 10)
}

func (t *MemoryTransport) reportError(msg string) {
	t.logger.Error(nil, msg, "session", t.sessionID)
	if t.eh != nil {
		t.eh(msg)
	}
}

// deliver enqueues one inbound payload; the peer calls it. It reports
// whether the payload was accepted.
func (t *MemoryTransport) deliver(payload []byte) bool {
	if !t.connected.Load() {
		return false
	}
	t.qMu.Lock()
	t.queue = append(t.queue, payload)
	t.qMu.Unlock()
	t.qCond.Signal()
	return true
}

func (t *MemoryTransport) processMain() {
	defer func() {
		if e := recover(); e != nil {
			t.logger.Error(nil, "process panic", "panic", e)
		}
		t.connected.Store(false)
		t.stopOnce.Do(t.stopD.SetDone)
		t.procD.SetDone()
	}()

	for {
		t.qMu.Lock()
		for t.connected.Load() && len(t.queue) == 0 {
			t.qCond.Wait()
		}
		if !t.connected.Load() {
			t.qMu.Unlock()
			return
		}
		payload := t.queue[0]
		t.queue = t.queue[1:]
		t.qMu.Unlock()

		t.dispatchMessage(payload)
	}
}

// dispatchMessage mirrors the stdio classifier: token pre-check, then
// typed parses for request, response, notification.
func (t *MemoryTransport) dispatchMessage(payload []byte) {
	if bytes.Contains(payload, []byte(`"method"`)) && bytes.Contains(payload, []byte(`"id"`)) {
		var req jsonrpc.Request
		if req.Deserialize(payload) == nil && t.rh != nil {
			go t.serveRequest(&req)
			return
		}
	}
	var resp jsonrpc.Response
	if resp.Deserialize(payload) == nil {
		t.handleResponse(&resp)
		return
	}
	var note jsonrpc.Notification
	if note.Deserialize(payload) == nil {
		if t.nh != nil {
			t.nh(&note)
		}
		return
	}
	t.logger.Info("dropping unparseable message", "session", t.sessionID, "bytes", len(payload))
}

func (t *MemoryTransport) serveRequest(req *jsonrpc.Request) {
	var resp *jsonrpc.Response
	func() {
		defer func() {
			if e := recover(); e != nil {
				t.logger.Error(nil, "request handler panic", "method", req.Method, "panic", e)
				resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.InternalError, fmt.Sprint(e))
			}
		}()
		r, err := t.rh(req)
		switch {
		case err != nil:
			resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.InternalError, err.Error())
		case r == nil:
			resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.InternalError, "Null response from handler")
		default:
			r.ID = req.ID
			resp = r
		}
	}()

	payload, err := resp.Serialize()
	if err != nil {
		t.logger.Error(err, "response serialize failed", "method", req.Method)
		return
	}
	t.peer.deliver(payload)
}

func (t *MemoryTransport) handleResponse(resp *jsonrpc.Response) {
	key := resp.ID.Key()
	t.reqMu.Lock()
	slot, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	}
	t.reqMu.Unlock()
	if ok {
		slot.ch <- resp
	}
}

func (t *MemoryTransport) failPending(msg string) {
	var orphans []pendingSlot
	t.reqMu.Lock()
	for key, slot := range t.pending {
		orphans = append(orphans, slot)
		delete(t.pending, key)
	}
	t.reqMu.Unlock()
	for _, slot := range orphans {
		slot.ch <- jsonrpc.NewErrorResponse(slot.id, jsonrpc.InternalError, msg)
	}
}
