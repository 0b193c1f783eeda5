//go:build !windows

package config

import (
	"os"
	"syscall"
)

// reloadSignals make a started Reloader re-read its file.
var reloadSignals = []os.Signal{syscall.SIGHUP}
