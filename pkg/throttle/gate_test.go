package throttle //nolint:testpackage // white-box tests need access to unexported fields

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"butler/pkg/config"
)

func testGate(cfg config.ThrottleConfig) *Gate {
	g := NewGate(zap.NewNop(), cfg)
	g.cpuPercent = func(context.Context) (float64, error) { return 10, nil }
	g.freeRAM = func(context.Context) (uint64, error) { return 8 << 30, nil }
	g.processNames = func(context.Context) ([]string, error) { return []string{"bash", "zsh"}, nil }
	g.batteryState = func() (bool, float64, error) { return false, 100, nil }
	return g
}

func baseConfig() config.ThrottleConfig {
	return config.ThrottleConfig{
		MaxCPUPercent:   80,
		MinFreeRAMBytes: 2 << 30,
		HeavyProcesses:  []string{"ollama", "whisper"},
		MinBatteryLevel: 20,
	}
}

func TestEvaluateAllClear(t *testing.T) {
	t.Parallel()

	g := testGate(baseConfig())
	dec, snap := g.Evaluate(context.Background())
	if !dec.Proceed {
		t.Fatalf("expected proceed, got %+v", dec)
	}
	if snap.CPUPercent != 10 {
		t.Fatalf("snapshot cpu = %v", snap.CPUPercent)
	}
}

func TestEvaluateCPUGate(t *testing.T) {
	t.Parallel()

	g := testGate(baseConfig())
	g.cpuPercent = func(context.Context) (float64, error) { return 95, nil }
	dec, _ := g.Evaluate(context.Background())
	if dec.Proceed || dec.Check != CheckCPU {
		t.Fatalf("expected cpu failure, got %+v", dec)
	}
}

func TestEvaluateRAMGate(t *testing.T) {
	t.Parallel()

	g := testGate(baseConfig())
	g.freeRAM = func(context.Context) (uint64, error) { return 512 << 20, nil }
	dec, _ := g.Evaluate(context.Background())
	if dec.Proceed || dec.Check != CheckRAM {
		t.Fatalf("expected ram failure, got %+v", dec)
	}
}

func TestEvaluateProcessGateCaseInsensitive(t *testing.T) {
	t.Parallel()

	g := testGate(baseConfig())
	g.processNames = func(context.Context) ([]string, error) { return []string{"bash", "Ollama"}, nil }
	dec, snap := g.Evaluate(context.Background())
	if dec.Proceed || dec.Check != CheckProcess {
		t.Fatalf("expected process failure, got %+v", dec)
	}
	if len(snap.HeavyProcs) != 1 || snap.HeavyProcs[0] != "ollama" {
		t.Fatalf("heavy procs = %v", snap.HeavyProcs)
	}
}

func TestEvaluatePowerGate(t *testing.T) {
	t.Parallel()

	g := testGate(baseConfig())
	g.batteryState = func() (bool, float64, error) { return true, 15, nil }
	dec, _ := g.Evaluate(context.Background())
	if dec.Proceed || dec.Check != CheckPower {
		t.Fatalf("expected power failure, got %+v", dec)
	}
}

func TestEvaluateBatteryOKWhileCharging(t *testing.T) {
	t.Parallel()

	g := testGate(baseConfig())
	g.batteryState = func() (bool, float64, error) { return false, 15, nil }
	dec, _ := g.Evaluate(context.Background())
	if !dec.Proceed {
		t.Fatalf("charging at low level must pass, got %+v", dec)
	}
}

// Two gates failing at once must always report the earlier one.
func TestEvaluateFirstFailureWins(t *testing.T) {
	t.Parallel()

	g := testGate(baseConfig())
	g.cpuPercent = func(context.Context) (float64, error) { return 99, nil }
	g.freeRAM = func(context.Context) (uint64, error) { return 0, nil }
	g.batteryState = func() (bool, float64, error) { return true, 1, nil }

	for i := 0; i < 5; i++ {
		dec, _ := g.Evaluate(context.Background())
		if dec.Check != CheckCPU {
			t.Fatalf("expected cpu to win, got %+v", dec)
		}
	}
}

func TestEvaluateProbeErrorFailsOpen(t *testing.T) {
	t.Parallel()

	g := testGate(baseConfig())
	g.cpuPercent = func(context.Context) (float64, error) { return 0, errors.New("sensor gone") }
	dec, _ := g.Evaluate(context.Background())
	if !dec.Proceed {
		t.Fatalf("probe error must not block work, got %+v", dec)
	}
}
