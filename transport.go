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
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/go-logr/logr"
	"github.com/someonegg/gox/syncx"

	"github.com/someonegg/stdiopump/jsonrpc"
)

// NotificationHandler receives incoming notifications. It is invoked
// synchronously on the reader worker and must not block.
type NotificationHandler func(n *jsonrpc.Notification)

// RequestHandler serves an incoming request and returns the response.
// It runs on its own goroutine, so it may block without stalling the
// reader. A returned error, a nil response or a panic is translated
// into an InternalError response carrying the request id.
type RequestHandler func(r *jsonrpc.Request) (*jsonrpc.Response, error)

// ErrorHandler receives transport error reports.
type ErrorHandler func(errmsg string)

// Transport carries JSON-RPC 2.0 traffic to a single peer. A transport
// is one-shot: once closed, or once it hits an unrecoverable error, it
// never reconnects.
type Transport interface {
	Start() error
	Close() error
	IsConnected() bool
	SessionID() string

	// SendRequest returns a completion channel that always yields
	// exactly one response: the peer's answer, a timeout error or a
	// transport-closed error.
	SendRequest(r *jsonrpc.Request) <-chan *jsonrpc.Response

	// SendNotification is fire-and-forget; enqueue failures surface
	// through the error handler, not the return value.
	SendNotification(n *jsonrpc.Notification) error

	SetNotificationHandler(h NotificationHandler)
	SetRequestHandler(h RequestHandler)
	SetErrorHandler(h ErrorHandler)
}

const (
	// DefaultRequestTimeout bounds a request/response round trip
	// unless overridden.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultWriteQueueMaxBytes is the write backpressure budget.
	DefaultWriteQueueMaxBytes = 2 * 1024 * 1024

	readChunkSize  = 4096
	waitSliceMs    = 100
	writeWaitSlice = 50 * time.Millisecond
	workerExitWait = 500 * time.Millisecond
)

// Statistics of a transport instance.
type Statistics struct {
	// framed payloads from the peer
	ReadedCount int64
	ReadedBytes int64

	// frames to the peer
	WrittenCount int64
	WrittenBytes int64
}

type pendingSlot struct {
	id jsonrpc.ID
	ch chan *jsonrpc.Response
}

// StdioTransport is the stdio implementation of Transport: framed
// JSON-RPC over file descriptors 0 and 1.
//
// Three workers run per instance: the reader (readiness-driven frame
// extraction and dispatch), the writer (queue drain with bounded
// non-blocking writes) and the deadline scheduler. Handlers and
// configuration must be set before Start; they are read without
// synchronization afterwards.
type StdioTransport struct {
	sessionID string
	logger    logr.Logger

	nh   NotificationHandler
	rh   RequestHandler
	eh   ErrorHandler
	dump *WireDump

	requestTimeout  time.Duration // 0 disables request deadlines
	idleReadTimeout time.Duration // 0 disables the idle read check
	writeTimeout    time.Duration // 0 disables the per-frame deadline

	started   atomic.Bool
	connected atomic.Bool
	stopOnce  sync.Once
	stopD     syncx.DoneChan
	readerD   syncx.DoneChan
	writerD   syncx.DoneChan
	timeoutD  syncx.DoneChan

	wake *wakeup
	wq   *writeQueue

	reqMu        sync.Mutex
	pending      map[string]pendingSlot
	deadlines    map[string]time.Time
	deadlineKick chan struct{}
	reqCounter   atomic.Uint32

	lastRead time.Time // reader worker only

	stat Statistics

	plat platformState
}

type envOverrides struct {
	RequestTimeoutMs *uint64 `env:"MCP_STDIOTRANSPORT_TIMEOUT_MS"`
}

// NewStdioTransport allocates a transport over the process's standard
// streams. The streams themselves are untouched until Start.
func NewStdioTransport() (*StdioTransport, error) {
	wake, err := newWakeup()
	if err != nil {
		return nil, fmt.Errorf("stdiopump: wakeup: %w", err)
	}
	t := &StdioTransport{
		sessionID: "stdio-" + strconv.Itoa(1000+rand.Intn(9000)),
		logger:    logr.Discard(),

		requestTimeout: DefaultRequestTimeout,

		stopD:    syncx.NewDoneChan(),
		readerD:  syncx.NewDoneChan(),
		writerD:  syncx.NewDoneChan(),
		timeoutD: syncx.NewDoneChan(),

		wake: wake,
		wq:   newWriteQueue(DefaultWriteQueueMaxBytes),

		pending:      make(map[string]pendingSlot),
		deadlines:    make(map[string]time.Time),
		deadlineKick: make(chan struct{}, 1),
	}
	t.plat.init()

	var ov envOverrides
	if err := env.Parse(&ov); err == nil && ov.RequestTimeoutMs != nil {
		t.SetRequestTimeoutMs(*ov.RequestTimeoutMs)
	}
	return t, nil
}

// SetLogger is optional; the default discards everything.
func (t *StdioTransport) SetLogger(l logr.Logger) { t.logger = l }

func (t *StdioTransport) SetNotificationHandler(h NotificationHandler) { t.nh = h }
func (t *StdioTransport) SetRequestHandler(h RequestHandler)           { t.rh = h }
func (t *StdioTransport) SetErrorHandler(h ErrorHandler)               { t.eh = h }

// SetWireDump is optional; see WireDump.
func (t *StdioTransport) SetWireDump(d *WireDump) { t.dump = d }

// SetRequestTimeoutMs configures the per-request deadline. 0 disables
// deadlines; such requests resolve only on a response, on Close or
// when the transport disconnects.
func (t *StdioTransport) SetRequestTimeoutMs(ms uint64) {
	t.requestTimeout = time.Duration(ms) * time.Millisecond
}

// SetIdleReadTimeoutMs aborts the transport when no bytes arrive for
// the given duration. 0 disables the check.
func (t *StdioTransport) SetIdleReadTimeoutMs(ms uint64) {
	t.idleReadTimeout = time.Duration(ms) * time.Millisecond
}

// SetWriteTimeoutMs bounds the wall time spent writing one frame.
// 0 disables the bound.
func (t *StdioTransport) SetWriteTimeoutMs(ms uint64) {
	t.writeTimeout = time.Duration(ms) * time.Millisecond
}

// SetWriteQueueMaxBytes sets the backpressure budget, clamped to >= 1.
func (t *StdioTransport) SetWriteQueueMaxBytes(max int) { t.wq.setMax(max) }

func (t *StdioTransport) IsConnected() bool { return t.connected.Load() }
func (t *StdioTransport) SessionID() string { return t.sessionID }

// StopD is signaled when the transport leaves the connected state.
func (t *StdioTransport) StopD() syncx.DoneChanR { return t.stopD.R() }

func (t *StdioTransport) Statistics() Statistics {
	return Statistics{
		ReadedCount:  atomic.LoadInt64(&t.stat.ReadedCount),
		ReadedBytes:  atomic.LoadInt64(&t.stat.ReadedBytes),
		WrittenCount: atomic.LoadInt64(&t.stat.WrittenCount),
		WrittenBytes: atomic.LoadInt64(&t.stat.WrittenBytes),
	}
}

// Start spawns the reader, writer and deadline workers. Calling Start
// twice is not supported.
func (t *StdioTransport) Start() error {
	t.started.Store(true)
	t.connected.Store(true)
	go t.readerMain()
	go t.writerMain()
	go t.timeoutMain()
	t.logger.V(1).Info("transport started", "session", t.sessionID)
	return nil
}

// Close disconnects the transport and fails every pending request with
// "Transport closed". It waits up to 500ms per worker; a worker that
// has not exited by then (for example the reader, when Close is called
// from a notification handler) is left to wind down on its own. The
// standard streams are never closed.
func (t *StdioTransport) Close() error {
	t.logger.V(1).Info("transport closing", "session", t.sessionID)
	t.disconnect()

	workersOK := true
	if t.started.Load() {
		readerOK := waitDone(t.readerD, workerExitWait)
		if !readerOK {
			t.logger.Info("reader worker still busy at close", "session", t.sessionID)
		}
		writerOK := waitDone(t.writerD, workerExitWait)
		if !writerOK {
			t.logger.Info("writer worker still busy at close", "session", t.sessionID)
		}
		waitDone(t.timeoutD, workerExitWait)
		workersOK = readerOK && writerOK
	}

	t.failPending("Transport closed")

	if workersOK {
		t.wake.close()
	}
	return nil
}

// disconnect flips the transport to its terminal state and wakes every
// worker: the reader via the wakeup primitive, the writer via the
// queue, the deadline scheduler via stopD. It is called from Close,
// from worker epilogues and from fatal write paths, often more than
// once per shutdown; stopD must transition exactly once.
func (t *StdioTransport) disconnect() {
	t.connected.Store(false)
	t.stopOnce.Do(t.stopD.SetDone)
	t.wake.signal()
	t.wq.close()
	t.kickDeadlines()
}

func waitDone(d syncx.DoneChan, timeout time.Duration) bool {
	select {
	case <-d:
		return true
	case <-time.After(timeout):
		return false
	}
}

// SendRequest frames and queues the request and returns its completion
// channel. A caller-provided id (non-empty string or integer) is kept;
// otherwise a "req-N" id is generated. When the transport is not
// connected the channel resolves immediately.
func (t *StdioTransport) SendRequest(req *jsonrpc.Request) <-chan *jsonrpc.Response {
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

	deadline := farFuture()
	if t.requestTimeout > 0 {
		deadline = time.Now().Add(t.requestTimeout)
	}
	t.reqMu.Lock()
	t.pending[key] = pendingSlot{id: req.ID, ch: ch}
	t.deadlines[key] = deadline
	t.reqMu.Unlock()
	t.kickDeadlines()

	// The transport may have disconnected between the entry check and
	// the insert; a slot registered after failPending would otherwise
	// dangle until its deadline.
	if !t.connected.Load() {
		t.reqMu.Lock()
		_, live := t.pending[key]
		delete(t.pending, key)
		delete(t.deadlines, key)
		t.reqMu.Unlock()
		if live {
			ch <- jsonrpc.NewErrorResponse(req.ID, jsonrpc.InternalError, "Transport closed")
		}
		return ch
	}

	payload, err := req.Serialize()
	if err != nil {
		t.reqMu.Lock()
		delete(t.pending, key)
		delete(t.deadlines, key)
		t.reqMu.Unlock()
		ch <- jsonrpc.NewErrorResponse(req.ID, jsonrpc.InternalError, err.Error())
		return ch
	}
	t.logger.V(1).Info("sending request", "method", req.Method, "id", key, "bytes", len(payload))
	t.enqueueFrame(payload)
	return ch
}

// SendNotification frames and queues the notification. After
// disconnect it is silently dropped.
func (t *StdioTransport) SendNotification(n *jsonrpc.Notification) error {
	if !t.connected.Load() {
		t.logger.V(1).Info("notification dropped, transport not connected", "method", n.Method)
		return nil
	}
	payload, err := n.Serialize()
	if err != nil {
		return err
	}
	t.logger.V(1).Info("sending notification", "method", n.Method, "bytes", len(payload))
	t.enqueueFrame(payload)
	return nil
}

func (t *StdioTransport) nextRequestID() string {
	return "req-" + strconv.FormatUint(uint64(t.reqCounter.Add(1)), 10)
}

// enqueueFrame encodes payload and submits it to the writer. Overflow
// is fatal: the error handler fires and the transport disconnects.
// Frames already queued are not guaranteed to be delivered after that.
func (t *StdioTransport) enqueueFrame(payload []byte) bool {
	if !t.wq.tryEnqueue(EncodeFrame(payload)) {
		queueOverflowsTotal.Inc()
		t.reportError("write queue overflow")
		t.disconnect()
		return false
	}
	if t.dump != nil {
		t.dump.dump(false, payload)
	}
	return true
}

func (t *StdioTransport) reportError(msg string) {
	t.logger.Error(nil, msg, "session", t.sessionID)
	if t.eh != nil {
		t.eh(msg)
	}
}

func (t *StdioTransport) idleExpired() bool {
	return t.idleReadTimeout > 0 && time.Since(t.lastRead) >= t.idleReadTimeout
}

func (t *StdioTransport) readerMain() {
	defer func() {
		if e := recover(); e != nil {
			t.logger.Error(nil, "reader panic", "panic", e)
		}
		t.disconnect()
		t.failPending("Transport closed")
		t.readerD.SetDone()
	}()
	t.lastRead = time.Now()
	var buffer []byte
	t.readLoop(&buffer)
}

func (t *StdioTransport) writerMain() {
	defer func() {
		if e := recover(); e != nil {
			t.logger.Error(nil, "writer panic", "panic", e)
		}
		t.disconnect()
		t.writerD.SetDone()
	}()
	t.writeLoop()
}

// drainFrames extracts and dispatches every complete frame in buf.
// Framing errors are local: the offending header region has already
// been discarded, the stream continues.
func (t *StdioTransport) drainFrames(buf *[]byte) {
	t.lastRead = time.Now()
	for t.connected.Load() {
		payload, ok, err := ExtractFrame(buf)
		if err != nil {
			framingErrorsTotal.Inc()
			if err == errBodyTooLarge {
				t.reportError("body too large")
			} else {
				t.logger.Info("dropping malformed frame header", "session", t.sessionID)
			}
			continue
		}
		if !ok {
			return
		}
		atomic.AddInt64(&t.stat.ReadedCount, 1)
		atomic.AddInt64(&t.stat.ReadedBytes, int64(len(payload)))
		framesReadTotal.Inc()
		bytesReadTotal.Add(len(payload))
		if t.dump != nil {
			t.dump.dump(true, payload)
		}
		t.dispatchMessage(payload)
	}
}

// dispatchMessage classifies one payload. The "method"/"id" token scan
// is only a fast pre-check; the typed deserialize decides, and a
// payload that fails it still gets the response and notification
// parses.
func (t *StdioTransport) dispatchMessage(payload []byte) {
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
	droppedTotal.Inc()
	t.logger.Info("dropping unparseable message", "session", t.sessionID, "bytes", len(payload))
}

// serveRequest runs the request handler off the reader worker so the
// reader keeps delivering notifications (e.g. cancellations) while a
// handler is busy.
func (t *StdioTransport) serveRequest(req *jsonrpc.Request) {
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
	t.enqueueFrame(payload)
}

func (t *StdioTransport) handleResponse(resp *jsonrpc.Response) {
	key := resp.ID.Key()
	t.reqMu.Lock()
	slot, ok := t.pending[key]
	if ok {
		delete(t.pending, key)
	}
	delete(t.deadlines, key)
	t.reqMu.Unlock()
	if ok {
		slot.ch <- resp
	} else {
		t.logger.V(1).Info("response without pending request", "id", key)
	}
}

func (t *StdioTransport) kickDeadlines() {
	select {
	case t.deadlineKick <- struct{}{}:
	default:
	}
}

// timeoutMain is the deadline scheduler: sleep until the minimum
// pending deadline, expire everything due, recompute. Inserts kick it
// awake so the minimum stays fresh.
func (t *StdioTransport) timeoutMain() {
	defer t.timeoutD.SetDone()

	timer := time.NewTimer(time.Hour)
	stopTimer(timer)
	for t.connected.Load() {
		t.reqMu.Lock()
		var next time.Time
		for _, dl := range t.deadlines {
			if next.IsZero() || dl.Before(next) {
				next = dl
			}
		}
		t.reqMu.Unlock()

		if next.IsZero() {
			select {
			case <-t.deadlineKick:
			case <-t.stopD:
			}
		} else {
			timer.Reset(time.Until(next))
			select {
			case <-timer.C:
			case <-t.deadlineKick:
				stopTimer(timer)
			case <-t.stopD:
				stopTimer(timer)
			}
		}
		if !t.connected.Load() {
			return
		}
		t.expireDeadlines(time.Now())
	}
}

func stopTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

func (t *StdioTransport) expireDeadlines(now time.Time) {
	var expired []pendingSlot
	t.reqMu.Lock()
	for key, dl := range t.deadlines {
		if dl.After(now) {
			continue
		}
		if slot, ok := t.pending[key]; ok {
			expired = append(expired, slot)
			delete(t.pending, key)
		}
		delete(t.deadlines, key)
	}
	t.reqMu.Unlock()

	for _, slot := range expired {
		requestTimeoutsTotal.Inc()
		t.logger.V(1).Info("request timed out", "id", slot.id.Key())
		slot.ch <- jsonrpc.NewErrorResponse(slot.id, jsonrpc.InternalError, "Request timeout")
	}
}

// failPending resolves every outstanding request with an InternalError
// carrying msg. Safe to call more than once; each slot is fulfilled
// exactly once.
func (t *StdioTransport) failPending(msg string) {
	var orphans []pendingSlot
	t.reqMu.Lock()
	for key, slot := range t.pending {
		orphans = append(orphans, slot)
		delete(t.pending, key)
		delete(t.deadlines, key)
	}
	for key := range t.deadlines {
		delete(t.deadlines, key)
	}
	t.reqMu.Unlock()

	for _, slot := range orphans {
		slot.ch <- jsonrpc.NewErrorResponse(slot.id, jsonrpc.InternalError, msg)
	}
}

func farFuture() time.Time {
	return time.Now().Add(1000000 * time.Hour)
}
