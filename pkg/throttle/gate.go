// Package throttle decides whether the machine can take on background
// work right now. Checks run in a fixed order (cpu, ram, heavy
// processes, power) and the first failing check wins, so two calls under
// the same conditions always report the same reason.
package throttle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/distatus/battery"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"butler/pkg/config"
)

// Check names, in evaluation order.
const (
	CheckCPU     = "cpu"
	CheckRAM     = "ram"
	CheckProcess = "process"
	CheckPower   = "power"
)

// Decision is the outcome of one Evaluate call. When Proceed is false,
// Check names the first gate that failed and Reason is human-readable.
type Decision struct {
	Proceed bool   `json:"proceed"`
	Check   string `json:"check,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Snapshot holds the raw measurements behind a Decision, for status
// output and logging.
type Snapshot struct {
	CPUPercent   float64  `json:"cpu_percent"`
	FreeRAMBytes uint64   `json:"free_ram_bytes"`
	HeavyProcs   []string `json:"heavy_procs,omitempty"`
	OnBattery    bool     `json:"on_battery"`
	BatteryLevel float64  `json:"battery_level"`
}

// cpuSampleInterval is how long the CPU probe blocks to measure a
// fresh utilization delta. Zero would return the since-boot average.
const cpuSampleInterval = 500 * time.Millisecond

// Gate evaluates system pressure against configured limits. Probes are
// fields so tests can swap in canned readings.
type Gate struct {
	log *zap.Logger
	cfg config.ThrottleConfig

	cpuPercent   func(ctx context.Context) (float64, error)
	freeRAM      func(ctx context.Context) (uint64, error)
	processNames func(ctx context.Context) ([]string, error)
	batteryState func() (onBattery bool, level float64, err error)
}

// NewGate builds a Gate backed by live system probes.
func NewGate(log *zap.Logger, cfg config.ThrottleConfig) *Gate {
	return &Gate{
		log:          log,
		cfg:          cfg,
		cpuPercent:   liveCPUPercent,
		freeRAM:      liveFreeRAM,
		processNames: liveProcessNames,
		batteryState: liveBatteryState,
	}
}

// Evaluate takes fresh measurements and returns the first failing
// check, or a Proceed decision when every gate passes. A probe error
// fails open for that check: a broken sensor must not wedge the queue.
func (g *Gate) Evaluate(ctx context.Context) (Decision, Snapshot) {
	var snap Snapshot

	pct, err := g.cpuPercent(ctx)
	if err != nil {
		g.log.Warn("cpu probe failed", zap.Error(err))
	} else {
		snap.CPUPercent = pct
		if pct > g.cfg.MaxCPUPercent {
			return Decision{
				Check:  CheckCPU,
				Reason: fmt.Sprintf("cpu at %.1f%% exceeds %.1f%%", pct, g.cfg.MaxCPUPercent),
			}, snap
		}
	}

	free, err := g.freeRAM(ctx)
	if err != nil {
		g.log.Warn("ram probe failed", zap.Error(err))
	} else {
		snap.FreeRAMBytes = free
		if free < g.cfg.MinFreeRAMBytes {
			return Decision{
				Check:  CheckRAM,
				Reason: fmt.Sprintf("free ram %d below %d bytes", free, g.cfg.MinFreeRAMBytes),
			}, snap
		}
	}

	names, err := g.processNames(ctx)
	if err != nil {
		g.log.Warn("process probe failed", zap.Error(err))
	} else {
		heavy := matchHeavy(names, g.cfg.HeavyProcesses)
		snap.HeavyProcs = heavy
		if len(heavy) > 0 {
			return Decision{
				Check:  CheckProcess,
				Reason: fmt.Sprintf("heavy process running: %s", strings.Join(heavy, ", ")),
			}, snap
		}
	}

	onBattery, level, err := g.batteryState()
	if err != nil {
		// Desktops report no battery at all; treat that as mains power.
		g.log.Debug("battery probe failed", zap.Error(err))
	} else {
		snap.OnBattery = onBattery
		snap.BatteryLevel = level
		if onBattery && level < g.cfg.MinBatteryLevel {
			return Decision{
				Check:  CheckPower,
				Reason: fmt.Sprintf("on battery at %.0f%%, below %.0f%%", level, g.cfg.MinBatteryLevel),
			}, snap
		}
	}

	return Decision{Proceed: true}, snap
}

// matchHeavy returns the configured names found among running
// processes, case-insensitively, preserving configured order.
func matchHeavy(running, configured []string) []string {
	seen := make(map[string]bool, len(running))
	for _, n := range running {
		seen[strings.ToLower(n)] = true
	}
	var hits []string
	for _, want := range configured {
		if seen[strings.ToLower(want)] {
			hits = append(hits, want)
		}
	}
	return hits
}

// --- live probes ---

func liveCPUPercent(ctx context.Context) (float64, error) {
	pcts, err := cpu.PercentWithContext(ctx, cpuSampleInterval, false)
	if err != nil {
		return 0, err
	}
	if len(pcts) == 0 {
		return 0, fmt.Errorf("cpu: no samples")
	}
	return pcts[0], nil
}

func liveFreeRAM(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

func liveProcessNames(ctx context.Context) ([]string, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue // process exited mid-scan
		}
		names = append(names, name)
	}
	return names, nil
}

func liveBatteryState() (bool, float64, error) {
	bats, err := battery.GetAll()
	if err != nil {
		return false, 0, fmt.Errorf("battery: %w", err)
	}
	if len(bats) == 0 {
		return false, 0, fmt.Errorf("battery: none present")
	}
	b := bats[0]
	level := 0.0
	if b.Full > 0 {
		level = b.Current / b.Full * 100
	}
	return b.State.Raw == battery.Discharging, level, nil
}
