// Package logger provides adapters for popular logger libraries to work with dmafile's Logger interface.
//
// The adapters allow you to use your existing logger with dmafile without writing boilerplate.
// Note that the standard library's slog.Logger already implements dmafile.Logger directly.
//
// Example with zap:
//
//	import (
//	    "github.com/alexhholmes/dmafile"
//	    "github.com/alexhholmes/dmafile/logger"
//	    "go.uber.org/zap"
//	)
//
//	func main() {
//	    zapLogger, _ := zap.NewProduction()
//
//	    ring := dmafile.NewRing(dmafile.WithLogger(logger.NewZap(zapLogger)))
//	    defer ring.Close()
//	}
package logger
