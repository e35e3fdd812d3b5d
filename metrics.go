// Copyright 2025 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stdiopump

import "github.com/VictoriaMetrics/metrics"

// Process-wide transport counters, exported in Prometheus format by
// metrics.WritePrometheus. Per-instance numbers live in Statistics.
var (
	framesReadTotal    = metrics.NewCounter(`stdiopump_frames_read_total`)
	bytesReadTotal     = metrics.NewCounter(`stdiopump_bytes_read_total`)
	framesWrittenTotal = metrics.NewCounter(`stdiopump_frames_written_total`)
	bytesWrittenTotal  = metrics.NewCounter(`stdiopump_bytes_written_total`)

	framingErrorsTotal   = metrics.NewCounter(`stdiopump_framing_errors_total`)
	droppedTotal         = metrics.NewCounter(`stdiopump_messages_dropped_total`)
	requestTimeoutsTotal = metrics.NewCounter(`stdiopump_request_timeouts_total`)
	queueOverflowsTotal  = metrics.NewCounter(`stdiopump_write_queue_overflows_total`)
)
