// Copyright 2025 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package stdiopump

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// wakeup interrupts the reader's blocking wait. On Linux it is an
// eventfd watched by the same epoll set as stdin.
type wakeup struct {
	efd int
}

func newWakeup() (*wakeup, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &wakeup{efd: fd}, nil
}

// readFD is the descriptor the reader watches for wake events.
func (w *wakeup) readFD() int { return w.efd }

// signal is idempotent and never blocks; a saturated counter (EAGAIN)
// already guarantees a pending wake.
func (w *wakeup) signal() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(w.efd, buf[:])
		if err == unix.EINTR {
			continue
		}
		return
	}
}

// drain consumes the pending counter so the next wait blocks again.
func (w *wakeup) drain() {
	var buf [8]byte
	for {
		n, err := unix.Read(w.efd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if n <= 0 || err != nil {
			return
		}
	}
}

func (w *wakeup) close() {
	unix.Close(w.efd)
	w.efd = -1
}
