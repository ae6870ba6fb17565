// Copyright (C) 2024-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package logging wires the node's components to github.com/luxfi/log, the
// same structured logger the teacher consensus engine uses throughout its
// subsystems (e.g. internal/ringtail/finalizer.go's log.NewLogger("ringtail")
// and engine/chain/integration.go's field-based Info calls).
package logging

import (
	"os"

	"github.com/luxfi/log"
)

// New returns a component-scoped logger. component becomes the logger's
// name, e.g. "directory", "consensus", "election".
func New(component string) log.Logger {
	return log.NewLogger(component).With(log.String("component", component))
}

// NoOp returns a logger that discards everything, used by tests that don't
// care about log output.
func NoOp() log.Logger {
	return log.NewNoOpLogger()
}

// EnsureDir creates dir (and parents) if it is non-empty, so a future file
// sink has somewhere to write. A failure here is non-fatal: it only affects
// where logs land, not whether the node can serve traffic.
func EnsureDir(dir string) {
	if dir == "" {
		return
	}
	_ = os.MkdirAll(dir, 0o755)
}
