// Copyright 2025 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stdiopump

import (
	"fmt"
	"io"
	"sync"
)

// WireDump is a debugging helper: every payload crossing the transport
// is appended to Dump.
//
// The dump format is:
//	 R|W:PayloadSize\nPayload\n\n
type WireDump struct {
	Dump io.Writer

	// Filter can be nil. If nil, dump all payloads.
	Filter func(payload []byte, read bool) bool

	mu sync.Mutex
}

func (d *WireDump) dump(read bool, payload []byte) {
	if d.Filter != nil && !d.Filter(payload, read) {
		return
	}

	dir := "W"
	if read {
		dir = "R"
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	fmt.Fprintf(d.Dump, "%v:%v\n", dir, len(payload))
	d.Dump.Write(payload)
	fmt.Fprintf(d.Dump, "\n\n")
}
