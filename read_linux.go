// Copyright 2025 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package stdiopump

import "golang.org/x/sys/unix"

// readLoop on Linux multiplexes stdin and the eventfd wakeup through
// one epoll set, created once for the life of the reader. When epoll
// cannot be used (regular-file stdin, restricted environments) the
// portable poll loop takes over.
func (t *StdioTransport) readLoop(buf *[]byte) {
	unix.SetNonblock(t.plat.inFD, true)

	ep, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		t.logger.V(1).Info("epoll unavailable, using poll", "reason", err.Error())
		t.pollReadLoop(buf)
		return
	}
	defer unix.Close(ep)

	inEv := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLERR, Fd: int32(t.plat.inFD)}
	if err := unix.EpollCtl(ep, unix.EPOLL_CTL_ADD, t.plat.inFD, &inEv); err != nil {
		t.logger.V(1).Info("stdin not pollable via epoll, using poll", "reason", err.Error())
		t.pollReadLoop(buf)
		return
	}
	wakeEv := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(t.wake.readFD())}
	if err := unix.EpollCtl(ep, unix.EPOLL_CTL_ADD, t.wake.readFD(), &wakeEv); err != nil {
		t.pollReadLoop(buf)
		return
	}

	scratch := make([]byte, readChunkSize)
	var events [2]unix.EpollEvent
	for t.connected.Load() {
		n, err := unix.EpollWait(ep, events[:], waitSliceMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			t.reportError("epoll wait failed")
			return
		}
		for i := 0; i < n; i++ {
			ev := &events[i]
			if int(ev.Fd) == t.wake.readFD() {
				t.wake.drain()
				if !t.connected.Load() {
					return
				}
				continue
			}
			if ev.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
				// Read before honoring hangup so bytes buffered ahead
				// of a peer close are not lost; a hangup with nothing
				// left to read returns 0 bytes and reports EOF.
				if !t.readChunk(buf, scratch) {
					return
				}
			} else if ev.Events&unix.EPOLLERR != 0 {
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
