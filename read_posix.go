// Copyright 2025 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build unix && !linux

package stdiopump

import "golang.org/x/sys/unix"

// readLoop on POSIX systems without eventfd: poll on {stdin, the
// self-pipe read end}.
func (t *StdioTransport) readLoop(buf *[]byte) {
	unix.SetNonblock(t.plat.inFD, true)
	t.pollReadLoop(buf)
}
