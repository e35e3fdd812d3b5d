// Copyright 2025 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix

package stdiopump

import "golang.org/x/sys/unix"

// platformState binds the transport to its descriptors. The transport
// puts them in non-blocking mode at worker startup, never restores the
// previous mode and never closes them.
type platformState struct {
	inFD, outFD int
}

func (p *platformState) init() {
	p.inFD, p.outFD = 0, 1
}

// newFDTransport binds a transport to explicit descriptors. Tests use
// pipe pairs in place of the process's standard streams.
func newFDTransport(in, out int) (*StdioTransport, error) {
	t, err := NewStdioTransport()
	if err != nil {
		return nil, err
	}
	t.plat.inFD, t.plat.outFD = in, out
	return t, nil
}

// pollReadLoop waits on {stdin, wakeup} with unix.Poll, 100ms ceiling.
// It is the whole reader on POSIX systems without epoll and the
// fallback when the epoll setup fails (stdin may be a regular file).
func (t *StdioTransport) pollReadLoop(buf *[]byte) {
	scratch := make([]byte, readChunkSize)
	for t.connected.Load() {
		pfds := [2]unix.PollFd{
			{Fd: int32(t.plat.inFD), Events: unix.POLLIN | unix.POLLERR | unix.POLLHUP},
			{Fd: int32(t.wake.readFD()), Events: unix.POLLIN},
		}
		n, err := unix.Poll(pfds[:], waitSliceMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			t.reportError("poll failed")
			return
		}
		if n > 0 {
			if pfds[1].Revents&unix.POLLIN != 0 {
				t.wake.drain()
				if !t.connected.Load() {
					return
				}
			}
			if pfds[0].Revents&(unix.POLLIN|unix.POLLHUP) != 0 {
				// Read before honoring hangup so bytes buffered ahead
				// of a peer close are not lost; a hangup with nothing
				// left to read returns 0 bytes and reports EOF.
				if !t.readChunk(buf, scratch) {
					return
				}
			} else if pfds[0].Revents&unix.POLLERR != 0 {
				t.reportError("stdin closed")
				return
			}
		}
		if t.idleExpired() {
			t.reportError("idle read timeout")
			return
		}
	}
}

// readChunk moves one scratch read from stdin into buf and drains any
// completed frames. It returns false when the reader must exit.
func (t *StdioTransport) readChunk(buf *[]byte, scratch []byte) bool {
	n, err := unix.Read(t.plat.inFD, scratch)
	if n > 0 {
		*buf = append(*buf, scratch[:n]...)
		t.drainFrames(buf)
		return true
	}
	if n == 0 && err == nil {
		t.reportError("EOF on stdin")
		return false
	}
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
		return true
	}
	t.reportError("read error")
	return false
}
