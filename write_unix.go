// Copyright 2025 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package stdiopump

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// writeLoop drains the queue and writes each frame fully with
// non-blocking writes. A frame abandoned by the write deadline or a
// fatal error still releases its queue budget.
func (t *StdioTransport) writeLoop() {
	unix.SetNonblock(t.plat.outFD, true)
	for t.connected.Load() {
		frame, ok := t.wq.dequeueWait()
		if !ok {
			return
		}
		if len(frame) == 0 {
			continue
		}

		total := 0
		start := time.Now()
		for t.connected.Load() && total < len(frame) {
			if !t.writeChunk(frame, &total, start) {
				break
			}
		}
		if total == len(frame) {
			atomic.AddInt64(&t.stat.WrittenCount, 1)
			atomic.AddInt64(&t.stat.WrittenBytes, int64(total))
			framesWrittenTotal.Inc()
			bytesWrittenTotal.Add(total)
		}
		t.wq.accountWritten(len(frame))
	}
}

// writeChunk advances one write on the frame. When stdout is not ready
// it waits for POLLOUT, bounded by min(50ms, remaining write
// deadline), then lets the caller retry. False means the frame is
// abandoned and the transport is disconnecting.
func (t *StdioTransport) writeChunk(frame []byte, total *int, start time.Time) bool {
	n, err := unix.Write(t.plat.outFD, frame[*total:])
	if n > 0 {
		*total += n
		return true
	}

	switch {
	case err == unix.EINTR:
		return true

	case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
		wait := writeWaitSlice
		if t.writeTimeout > 0 {
			remaining := t.writeTimeout - time.Since(start)
			if remaining <= 0 {
				t.reportError("write timeout")
				t.disconnect()
				return false
			}
			if remaining < wait {
				wait = remaining
			}
		}
		ms := int(wait / time.Millisecond)
		if ms <= 0 {
			ms = 1
		}
		pfd := [1]unix.PollFd{{Fd: int32(t.plat.outFD), Events: unix.POLLOUT}}
		if _, perr := unix.Poll(pfd[:], ms); perr != nil && perr != unix.EINTR {
			t.reportError("write wait failed")
			t.disconnect()
			return false
		}
		return true

	case n == 0 && err == nil:
		// Zero-byte write with no error: treat stdout as momentarily
		// unavailable.
		pfd := [1]unix.PollFd{{Fd: int32(t.plat.outFD), Events: unix.POLLOUT}}
		unix.Poll(pfd[:], 10)
		return true

	default:
		t.reportError("write error")
		t.disconnect()
		return false
	}
}
