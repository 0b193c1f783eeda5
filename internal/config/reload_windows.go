//go:build windows

package config

import "os"

// No SIGHUP on Windows; file saves and Reload still apply.
var reloadSignals []os.Signal
