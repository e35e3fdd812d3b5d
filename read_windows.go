// Copyright 2025 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build windows

package stdiopump

import (
	"sync/atomic"

	"golang.org/x/sys/windows"
)

// platformState carries the Windows-only writer latch: overlapped
// writes are preferred until the first capability error, after which
// the writer stays synchronous for the rest of the process.
type platformState struct {
	useOverlapped atomic.Bool
}

func (p *platformState) init() {
	p.useOverlapped.Store(true)
}

// readLoop waits on {stop event, stdin handle} via
// WaitForMultipleObjects with a 100ms ceiling. Pipe handles are probed
// with PeekNamedPipe first so reads never block behind an empty pipe.
func (t *StdioTransport) readLoop(buf *[]byte) {
	scratch := make([]byte, readChunkSize)
	for t.connected.Load() {
		hIn, err := windows.GetStdHandle(windows.STD_INPUT_HANDLE)
		if err != nil || hIn == windows.InvalidHandle {
			t.reportError("invalid STDIN handle")
			return
		}
		fileType, _ := windows.GetFileType(hIn)
		hadData := false

		if fileType == windows.FILE_TYPE_PIPE {
			var avail uint32
			if err := windows.PeekNamedPipe(hIn, nil, 0, nil, &avail, nil); err != nil {
				if err == windows.ERROR_BROKEN_PIPE {
					t.reportError("EOF on stdin")
				} else {
					t.reportError("PeekNamedPipe failed")
				}
				return
			}
			if avail == 0 {
				handles := []windows.Handle{t.wake.ev, hIn}
				s, _ := windows.WaitForMultipleObjects(handles, false, waitSliceMs)
				switch s {
				case uint32(windows.WAIT_TIMEOUT):
				case uint32(windows.WAIT_OBJECT_0):
					if !t.connected.Load() {
						return
					}
				case uint32(windows.WAIT_OBJECT_0 + 1):
					windows.PeekNamedPipe(hIn, nil, 0, nil, &avail, nil)
				default:
					t.reportError("wait failed")
					return
				}
			}
			if avail > 0 {
				toRead := avail
				if toRead > uint32(len(scratch)) {
					toRead = uint32(len(scratch))
				}
				var n uint32
				if err := windows.ReadFile(hIn, scratch[:toRead], &n, nil); err != nil {
					if err == windows.ERROR_BROKEN_PIPE {
						t.reportError("EOF on stdin")
					} else {
						t.reportError("read failed")
					}
					return
				}
				if n == 0 {
					t.reportError("EOF on stdin")
					return
				}
				*buf = append(*buf, scratch[:n]...)
				hadData = true
			}
		} else {
			handles := []windows.Handle{t.wake.ev, hIn}
			s, _ := windows.WaitForMultipleObjects(handles, false, waitSliceMs)
			switch s {
			case uint32(windows.WAIT_OBJECT_0 + 1):
				var n uint32
				if err := windows.ReadFile(hIn, scratch, &n, nil); err != nil {
					if err == windows.ERROR_BROKEN_PIPE {
						t.reportError("EOF on stdin")
					} else {
						t.reportError("read failed")
					}
					return
				}
				if n == 0 {
					t.reportError("EOF on stdin")
					return
				}
				*buf = append(*buf, scratch[:n]...)
				hadData = true
			case uint32(windows.WAIT_OBJECT_0):
				if !t.connected.Load() {
					return
				}
			case uint32(windows.WAIT_TIMEOUT):
			default:
				t.reportError("wait failed")
				return
			}
		}

		if hadData {
			t.drainFrames(buf)
		}
		if t.idleExpired() {
			t.reportError("idle read timeout")
			return
		}
	}
}
