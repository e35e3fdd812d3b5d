// Copyright 2025 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build windows

package stdiopump

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/windows"
)

// writeLoop drains the queue and writes each frame fully. Overlapped
// writes are preferred; capability errors latch the writer to the
// synchronous path for good.
func (t *StdioTransport) writeLoop() {
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

func (t *StdioTransport) writeChunk(frame []byte, total *int, start time.Time) bool {
	hOut, err := windows.GetStdHandle(windows.STD_OUTPUT_HANDLE)
	if err != nil || hOut == windows.InvalidHandle {
		t.reportError("invalid STDOUT handle")
		t.disconnect()
		return false
	}

	var written uint32
	if t.plat.useOverlapped.Load() {
		ev, everr := windows.CreateEvent(nil, 1, 0, nil)
		if everr != nil {
			t.plat.useOverlapped.Store(false)
		} else {
			defer windows.CloseHandle(ev)
			ovl := windows.Overlapped{HEvent: ev}
			werr := windows.WriteFile(hOut, frame[*total:], &written, &ovl)
			switch {
			case werr == windows.ERROR_IO_PENDING:
				if !t.waitOverlapped(hOut, &ovl, &written, start) {
					return false
				}
			case werr == windows.ERROR_INVALID_PARAMETER ||
				werr == windows.ERROR_INVALID_HANDLE ||
				werr == windows.ERROR_NOT_SUPPORTED:
				// Console handles reject overlapped I/O; fall back to
				// synchronous writes from here on.
				t.plat.useOverlapped.Store(false)
				return t.writeChunk(frame, total, start)
			case werr != nil:
				t.reportError("write failed")
				t.disconnect()
				return false
			}
			*total += int(written)
			return true
		}
	}

	if err := windows.WriteFile(hOut, frame[*total:], &written, nil); err != nil {
		t.reportError("write failed")
		t.disconnect()
		return false
	}
	*total += int(written)
	return true
}

// waitOverlapped blocks on the overlapped event in bounded slices so
// the per-frame write deadline stays enforceable. On deadline the
// outstanding I/O is canceled and the frame abandoned.
func (t *StdioTransport) waitOverlapped(hOut windows.Handle, ovl *windows.Overlapped, written *uint32, start time.Time) bool {
	for {
		wait := writeWaitSlice
		if t.writeTimeout > 0 {
			remaining := t.writeTimeout - time.Since(start)
			if remaining <= 0 {
				t.reportError("write timeout")
				windows.CancelIoEx(hOut, ovl)
				t.disconnect()
				return false
			}
			if remaining < wait {
				wait = remaining
			}
		}
		ms := uint32(wait / time.Millisecond)
		if ms == 0 {
			ms = 1
		}
		s, _ := windows.WaitForSingleObject(ovl.HEvent, ms)
		switch s {
		case uint32(windows.WAIT_OBJECT_0):
			if err := windows.GetOverlappedResult(hOut, ovl, written, false); err != nil {
				t.reportError("write failed")
				t.disconnect()
				return false
			}
			return true
		case uint32(windows.WAIT_TIMEOUT):
			// re-evaluate the remaining deadline
		default:
			t.reportError("write wait failed")
			t.disconnect()
			return false
		}
	}
}
