// Copyright 2025 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build windows

package stdiopump

import "golang.org/x/sys/windows"

// wakeup interrupts the reader's blocking wait. On Windows it is a
// manual-reset event watched by the reader's WaitForMultipleObjects
// call alongside the stdin handle.
type wakeup struct {
	ev windows.Handle
}

func newWakeup() (*wakeup, error) {
	ev, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		return nil, err
	}
	return &wakeup{ev: ev}, nil
}

// signal is idempotent and never blocks.
func (w *wakeup) signal() {
	windows.SetEvent(w.ev)
}

// drain is a no-op: the event stays set so every subsequent wait
// observes the shutdown immediately. The transport is one-shot, so the
// event is never reset.
func (w *wakeup) drain() {}

func (w *wakeup) close() {
	windows.CloseHandle(w.ev)
	w.ev = windows.InvalidHandle
}
