//go:build darwin

package main

import (
	"log/slog"

	"github.com/netguard/netguard/internal/backend"
)

func openPlatformBackend(iface string, filter backend.Filter, mode backend.Mode, log *slog.Logger) (backend.Backend, error) {
	return backend.OpenPipe(iface, filter, mode, log)
}
