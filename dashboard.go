package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/lipgloss"

	"github.com/netguard/netguard/internal/control"
	"github.com/netguard/netguard/internal/engine"
	"github.com/netguard/netguard/internal/model"
)

const refreshInterval = time.Second

// overlay mirrors the teacher's killOverlay pattern (internal/ui/kill.go):
// a modal state that intercepts key events until closed.
type overlay int

const (
	overlayNone overlay = iota
	overlayLimit
)

var (
	styleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("4")).
			Padding(0, 1)

	styleSelected = lipgloss.NewStyle().
			Background(lipgloss.Color("8")).
			Foreground(lipgloss.Color("15")).
			Bold(true)

	styleRow = lipgloss.NewStyle().Foreground(lipgloss.Color("15"))

	styleBlocked = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))

	styleFooter = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	styleModeMonitor = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	styleModeEnforce = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)

	styleOverlayBorder = lipgloss.NewStyle().
				BorderStyle(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("4")).
				Padding(1, 2)

	styleError = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
)

// dashboard is the bubbletea root model. It polls Controller.GetSnapshot
// on a tick rather than consuming a push channel, since internal/control
// exposes a pull API (spec.md §6 get_snapshot), not a subscription.
type dashboard struct {
	ctl *control.Controller
	eng *engine.Engine

	rows   []model.TrafficCounters
	cursor int

	blocked map[uint32]struct{}
	limits  map[uint32]model.BandwidthLimit

	paused bool
	status string

	overlay     overlay
	limitInput  textinput.Model
	limitTarget uint32

	width, height int
}

type tickMsg time.Time

func newModel(ctl *control.Controller, eng *engine.Engine) *dashboard {
	ti := textinput.New()
	ti.Placeholder = "download_bps,upload_bps (0 = unlimited)"
	ti.CharLimit = 64

	return &dashboard{
		ctl:        ctl,
		eng:        eng,
		blocked:    make(map[uint32]struct{}),
		limits:     make(map[uint32]model.BandwidthLimit),
		limitInput: ti,
	}
}

func (d *dashboard) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (d *dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		d.width, d.height = msg.Width, msg.Height
		return d, nil

	case tickMsg:
		if !d.paused {
			d.refresh()
		}
		return d, tick()

	case tea.KeyMsg:
		if d.overlay == overlayLimit {
			return d.updateLimitOverlay(msg)
		}
		return d.updateTable(msg)
	}
	return d, nil
}

func (d *dashboard) refresh() {
	d.rows = d.ctl.GetSnapshot()
	sort.Slice(d.rows, func(i, j int) bool {
		return d.rows[i].UploadSpeedBps+d.rows[i].DownloadSpeedBps >
			d.rows[j].UploadSpeedBps+d.rows[j].DownloadSpeedBps
	})
	if d.cursor >= len(d.rows) {
		d.cursor = len(d.rows) - 1
	}
	if d.cursor < 0 {
		d.cursor = 0
	}

	d.limits = d.ctl.GetLimits()
	blocked := make(map[uint32]struct{})
	for _, pid := range d.ctl.GetBlocked() {
		blocked[pid] = struct{}{}
	}
	d.blocked = blocked
}

func (d *dashboard) selected() (model.TrafficCounters, bool) {
	if d.cursor < 0 || d.cursor >= len(d.rows) {
		return model.TrafficCounters{}, false
	}
	return d.rows[d.cursor], true
}

func (d *dashboard) updateTable(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return d, tea.Quit

	case "up", "k":
		if d.cursor > 0 {
			d.cursor--
		}
	case "down", "j":
		if d.cursor < len(d.rows)-1 {
			d.cursor++
		}

	case "p":
		d.paused = !d.paused

	case "m":
		d.setMode(model.ModeMonitor)
	case "e":
		d.setMode(model.ModeEnforce)

	case "b":
		if tc, ok := d.selected(); ok {
			if _, blocked := d.blocked[tc.PID]; blocked {
				d.ctl.UnblockProcess(tc.PID)
				d.status = fmt.Sprintf("unblocked pid %d", tc.PID)
			} else {
				d.ctl.BlockProcess(tc.PID)
				d.status = fmt.Sprintf("blocked pid %d", tc.PID)
			}
			d.refresh()
		}

	case "l":
		if tc, ok := d.selected(); ok {
			d.overlay = overlayLimit
			d.limitTarget = tc.PID
			d.limitInput.SetValue("")
			d.limitInput.Focus()
			return d, textinput.Blink
		}

	case "r":
		if tc, ok := d.selected(); ok {
			if err := d.ctl.RemoveBandwidthLimit(tc.PID); err != nil {
				d.status = fmt.Sprintf("remove limit failed: %v", err)
			} else {
				d.status = fmt.Sprintf("removed limit for pid %d", tc.PID)
			}
			d.refresh()
		}
	}
	return d, nil
}

func (d *dashboard) setMode(mode model.CaptureMode) {
	if err := d.ctl.SetMode(context.Background(), mode); err != nil {
		d.status = fmt.Sprintf("set mode failed: %v", err)
		return
	}
	d.status = fmt.Sprintf("mode set to %s", mode.String())
}

func (d *dashboard) updateLimitOverlay(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		d.overlay = overlayNone
		d.limitInput.Blur()
		return d, nil

	case "enter":
		limit, err := parseLimit(d.limitInput.Value())
		if err != nil {
			d.status = fmt.Sprintf("invalid limit: %v", err)
		} else if err := d.ctl.SetBandwidthLimit(d.limitTarget, limit); err != nil {
			d.status = fmt.Sprintf("set limit failed: %v", err)
		} else {
			d.status = fmt.Sprintf("limit applied to pid %d", d.limitTarget)
		}
		d.overlay = overlayNone
		d.limitInput.Blur()
		d.refresh()
		return d, nil
	}

	var cmd tea.Cmd
	d.limitInput, cmd = d.limitInput.Update(msg)
	return d, cmd
}

func parseLimit(raw string) (model.BandwidthLimit, error) {
	parts := strings.Split(strings.TrimSpace(raw), ",")
	if len(parts) != 2 {
		return model.BandwidthLimit{}, fmt.Errorf("expected \"download_bps,upload_bps\"")
	}
	down, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return model.BandwidthLimit{}, fmt.Errorf("download_bps: %w", err)
	}
	up, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return model.BandwidthLimit{}, fmt.Errorf("upload_bps: %w", err)
	}
	return model.BandwidthLimit{DownloadBps: down, UploadBps: up}, nil
}

func (d *dashboard) View() string {
	if d.overlay == overlayLimit {
		return d.renderLimitOverlay()
	}

	header := styleHeader.Render(fmt.Sprintf(
		" %-8s %-22s %12s %12s %8s %-8s",
		"PID", "NAME", "DOWN", "UP", "CONNS", "STATE",
	))

	var rows []string
	rows = append(rows, header)
	for i, tc := range d.rows {
		line := fmt.Sprintf(
			" %-8d %-22s %12s %12s %8d %-8s",
			tc.PID, truncate(tc.Name, 22),
			humanBps(tc.DownloadSpeedBps), humanBps(tc.UploadSpeedBps),
			tc.ConnectionCount, stateLabel(d, tc.PID),
		)
		style := styleRow
		if _, blocked := d.blocked[tc.PID]; blocked {
			style = styleBlocked
		}
		if i == d.cursor {
			style = styleSelected
		}
		rows = append(rows, style.Render(line))
	}

	modeStyle := styleModeMonitor
	modeName := "MONITOR"
	if d.eng.State() == model.StateEnforce {
		modeStyle = styleModeEnforce
		modeName = "ENFORCE"
	}

	footer := styleFooter.Render(
		"q quit  j/k move  m monitor  e enforce  b block/unblock  l set limit  r remove limit  p pause",
	)

	statusLine := d.status
	if statusLine == "" {
		statusLine = "ready"
	}

	header2 := fmt.Sprintf("netguardctl  mode=%s  state=%s  %s",
		modeStyle.Render(modeName), d.eng.State().String(), statusLine)

	return lipgloss.JoinVertical(lipgloss.Left, header2, "", strings.Join(rows, "\n"), "", footer)
}

func (d *dashboard) renderLimitOverlay() string {
	tc, _ := d.selected()
	title := fmt.Sprintf("Set bandwidth limit: pid %d (%s)", d.limitTarget, tc.Name)
	content := title + "\n\n" + d.limitInput.View() + "\n\n" + styleFooter.Render("enter apply  esc cancel")
	box := styleOverlayBorder.Render(content)
	return lipgloss.Place(d.width, d.height, lipgloss.Center, lipgloss.Center, box)
}

func stateLabel(d *dashboard, pid uint32) string {
	if _, blocked := d.blocked[pid]; blocked {
		return "blocked"
	}
	if limit, ok := d.limits[pid]; ok && !limit.Unlimited() {
		return "limited"
	}
	return "-"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}

func humanBps(bps float64) string {
	const unit = 1000.0
	if bps < unit {
		return fmt.Sprintf("%.0f B/s", bps)
	}
	div, exp := unit, 0
	for n := bps / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	suffixes := []string{"KB/s", "MB/s", "GB/s", "TB/s"}
	return fmt.Sprintf("%.1f %s", bps/div, suffixes[exp])
}
