package resgroup

import "testing"

func TestCPUQuotaRatio(t *testing.T) {
	quota := cpuQuotaMicros(50)
	if quota != 50_000 {
		t.Fatalf("quota for 50%% = %d, want 50000", quota)
	}
	if ratio := float64(quota) / float64(cpuPeriodMicros); ratio != 0.5 {
		t.Fatalf("quota/period ratio = %v, want 0.5", ratio)
	}

	if got := cpuQuotaMicros(100); got != cpuPeriodMicros {
		t.Fatalf("quota for 100%% = %d, want full period %d", got, cpuPeriodMicros)
	}
	if got := cpuQuotaMicros(1); got != 1_000 {
		t.Fatalf("quota for 1%% = %d, want 1000", got)
	}
}

func TestCPURateHundredths(t *testing.T) {
	if got := cpuRateHundredths(50); got != 5_000 {
		t.Fatalf("rate for 50%% = %d, want 5000", got)
	}
	if got := cpuRateHundredths(100); got != 10_000 {
		t.Fatalf("rate for 100%% = %d, want 10000", got)
	}
}

func TestSoftMemoryLimit(t *testing.T) {
	const hard = 100 * 1024 * 1024
	if hard != 104_857_600 {
		t.Fatalf("hard ceiling = %d, want 104857600", hard)
	}
	if got := softMemoryLimit(hard); got != 94_371_840 {
		t.Fatalf("soft threshold = %d, want 94371840", got)
	}
	// Floor semantics for values that do not divide evenly.
	if got := softMemoryLimit(15); got != 13 {
		t.Fatalf("soft threshold for 15 = %d, want 13", got)
	}
}

func TestLimitsValidate(t *testing.T) {
	cases := []struct {
		name   string
		limits Limits
		ok     bool
	}{
		{"zero", Limits{}, true},
		{"full", Limits{CPUPercent: 100, MemoryBytes: 1 << 30, IOBytesPerSec: 1 << 20}, true},
		{"cpu too high", Limits{CPUPercent: 101}, false},
		{"cpu negative", Limits{CPUPercent: -1}, false},
		{"memory negative", Limits{MemoryBytes: -1}, false},
		{"io negative", Limits{IOBytesPerSec: -1}, false},
	}
	for _, tc := range cases {
		err := tc.limits.Validate()
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected error: %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}
