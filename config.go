// Copyright 2025 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stdiopump

import (
	"strconv"
	"strings"
	"unicode"
)

// TransportFactory creates configured transports.
type TransportFactory interface {
	CreateTransport(config string) (Transport, error)
}

// StdioTransportFactory builds stdio transports from a flat
// "key=value" configuration string, pairs separated by ';' or
// whitespace. Recognized keys:
//
//	timeout_ms             per-request deadline, 0 disables
//	idle_read_timeout_ms   abort when the peer goes quiet, 0 disables
//	write_timeout_ms       per-frame write deadline, 0 disables
//	write_queue_max_bytes  backpressure budget, clamped to >= 1
//
// Malformed pairs and unknown keys are ignored.
type StdioTransportFactory struct{}

func (StdioTransportFactory) CreateTransport(config string) (Transport, error) {
	t, err := NewStdioTransport()
	if err != nil {
		return nil, err
	}
	applyConfig(t, config)
	return t, nil
}

func applyConfig(t *StdioTransport, config string) {
	fields := strings.FieldsFunc(config, func(r rune) bool {
		return r == ';' || unicode.IsSpace(r)
	})
	for _, field := range fields {
		key, val, found := strings.Cut(field, "=")
		if !found {
			continue
		}
		v, err := strconv.ParseUint(val, 10, 64)
		if err != nil {
			continue
		}
		switch key {
		case "timeout_ms":
			t.SetRequestTimeoutMs(v)
		case "idle_read_timeout_ms":
			t.SetIdleReadTimeoutMs(v)
		case "write_timeout_ms":
			t.SetWriteTimeoutMs(v)
		case "write_queue_max_bytes":
			t.SetWriteQueueMaxBytes(int(v))
		}
	}
}
