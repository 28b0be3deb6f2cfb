//go:build linux

package main

import (
	"log/slog"

	"github.com/netguard/netguard/internal/backend"
)

func openPlatformBackend(iface string, filter backend.Filter, mode backend.Mode, log *slog.Logger) (backend.Backend, error) {
	if iface == "" {
		iface = "any"
	}
	return backend.OpenPcap(iface, filter, mode, log)
}
