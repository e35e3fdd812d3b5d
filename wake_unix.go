// Copyright 2025 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix && !linux

package stdiopump

import "golang.org/x/sys/unix"

// wakeup interrupts the reader's blocking wait. On POSIX systems
// without eventfd it is a non-blocking self-pipe whose read end joins
// the reader's poll set.
type wakeup struct {
	r, w int
}

func newWakeup() (*wakeup, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, err
	}
	unix.SetNonblock(p[0], true)
	unix.SetNonblock(p[1], true)
	unix.CloseOnExec(p[0])
	unix.CloseOnExec(p[1])
	return &wakeup{r: p[0], w: p[1]}, nil
}

// readFD is the descriptor the reader watches for wake events.
func (w *wakeup) readFD() int { return w.r }

// signal is idempotent and never blocks; a full pipe (EAGAIN) already
// guarantees a pending wake.
func (w *wakeup) signal() {
	b := [1]byte{'x'}
	for {
		_, err := unix.Write(w.w, b[:])
		if err == unix.EINTR {
			continue
		}
		return
	}
}

// drain discards every pending wake byte so the next wait blocks again.
func (w *wakeup) drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(w.r, buf[:])
		if err == unix.EINTR {
			continue
		}
		if n <= 0 || err != nil {
			return
		}
	}
}

func (w *wakeup) close() {
	unix.Close(w.r)
	unix.Close(w.w)
	w.r, w.w = -1, -1
}
