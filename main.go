// Command netguard is the packet-plane entrypoint: it wires the
// Process-Endpoint Resolver, Accounting Store, Capture Engine, and
// Controller together and drives a thin terminal dashboard standing in
// for the GUI shell spec.md leaves out of scope. Grounded on the
// teacher's main.go wiring style (bubbletea.NewProgram with AltScreen +
// mouse motion) and internal/ui/app.go's root Model shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/netguard/netguard/internal/accounting"
	"github.com/netguard/netguard/internal/backend"
	"github.com/netguard/netguard/internal/config"
	"github.com/netguard/netguard/internal/control"
	"github.com/netguard/netguard/internal/engine"
	"github.com/netguard/netguard/internal/model"
	"github.com/netguard/netguard/internal/netlog"
	"github.com/netguard/netguard/internal/resolver"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	iface := flag.String("iface", "", "capture interface (empty lets the backend pick a default)")
	thresholdBps := flag.Float64("threshold-bps", 0, "emit a threshold event once a pid's speed crosses this (0 disables)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "netguard: load config: %v\n", err)
		os.Exit(1)
	}

	log := netlog.Configure(netlog.Config{Level: cfg.LogLevel, Structured: cfg.LogStructured})

	res := resolver.New(cfg.ResolverTickInterval, log)
	res.Start(context.Background())
	defer res.Stop()

	acct := accounting.New(cfg.StalenessThreshold)

	openBackend := func(mode model.CaptureMode) (backend.Backend, error) {
		bmode := backend.ModePassive
		if mode == model.ModeEnforce {
			bmode = backend.ModeIntercept
		}
		return openPlatformBackend(*iface, backend.Filter{AllTCPUDP: true}, bmode, log)
	}

	eng := engine.New(openBackend, acct, res, cfg.ShutdownDrainBudget, cfg.ThrottleQueueDepth, log)

	ctl := control.New(eng, acct, res, control.Config{
		StatsTickInterval: cfg.StatsTickInterval,
		ThresholdBps:      *thresholdBps,
		ThresholdCooldown: cfg.ThresholdCooldown,
		OnThresholdEvent: func(ev model.ThresholdEvent) {
			log.Warn("threshold exceeded", "pid", ev.PID, "name", ev.Name, "speed_bps", ev.SpeedBps, "threshold_bps", ev.Threshold)
		},
	}, log)
	ctl.Start(context.Background())
	defer ctl.Stop()

	if err := eng.SetMode(context.Background(), model.ModeMonitor); err != nil {
		log.Error("initial SetMode(Monitor) failed", "err", err)
	}
	defer eng.Stop()

	m := newModel(ctl, eng)
	prog := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion())
	if _, err := prog.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "netguard: %v\n", err)
		os.Exit(1)
	}
}
