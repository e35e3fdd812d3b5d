// Copyright 2025 someonegg. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// stdiopump-echo is a minimal JSON-RPC peer over stdio: it answers
// "ping" with "pong", echoes params back on "echo", and exits on the
// "exit" notification. Logs go to stderr; stdout belongs to the
// transport.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/someonegg/stdiopump"
	"github.com/someonegg/stdiopump/jsonrpc"
)

func main() {
	config := flag.String("config", "", "transport configuration, key=value pairs separated by ';'")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	zcfg := zap.NewProductionConfig()
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}
	if *debug {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	zl, err := zcfg.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer zl.Sync()
	logger := zapr.NewLogger(zl)

	tr, err := stdiopump.StdioTransportFactory{}.CreateTransport(*config)
	if err != nil {
		logger.Error(err, "create transport")
		os.Exit(1)
	}
	t := tr.(*stdiopump.StdioTransport)
	t.SetLogger(logger.WithName("transport"))

	t.SetRequestHandler(func(r *jsonrpc.Request) (*jsonrpc.Response, error) {
		switch r.Method {
		case "ping":
			return &jsonrpc.Response{Result: json.RawMessage(`"pong"`)}, nil
		case "echo":
			result := r.Params
			if result == nil {
				result = json.RawMessage("null")
			}
			return &jsonrpc.Response{Result: result}, nil
		}
		return jsonrpc.NewErrorResponse(r.ID, jsonrpc.MethodNotFound, r.Method), nil
	})
	t.SetNotificationHandler(func(n *jsonrpc.Notification) {
		logger.V(1).Info("notification", "method", n.Method)
		if n.Method == "exit" {
			go t.Close()
		}
	})
	t.SetErrorHandler(func(errmsg string) {
		logger.Info("transport error", "err", errmsg)
	})

	if err := t.Start(); err != nil {
		logger.Error(err, "start transport")
		os.Exit(1)
	}
	logger.Info("serving", "session", t.SessionID())

	<-t.StopD()
	t.Close()
}
