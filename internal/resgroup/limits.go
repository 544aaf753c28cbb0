package resgroup

// Limit translation shared by the backends. The accounting period is fixed
// at 100ms: a CPU percentage maps to quota = percent * period / 100 on
// backends that express rate as quota-per-period, and to percent * 100 on
// backends that express rate in hundredths of a percent.

const (
	// cpuPeriodMicros is the fixed CPU accounting period in microseconds.
	cpuPeriodMicros = 100_000
)

// cpuQuotaMicros returns the runnable microseconds per period for a
// percentage of one core.
func cpuQuotaMicros(percent int) int64 {
	return int64(percent) * cpuPeriodMicros / 100
}

// cpuRateHundredths expresses a CPU percentage in hundredths of a percent.
func cpuRateHundredths(percent int) uint32 {
	return uint32(percent) * 100
}

// softMemoryLimit derives the backpressure threshold from a hard ceiling.
// The soft threshold triggers reclaim pressure before the hard ceiling
// terminates the group.
func softMemoryLimit(hard int64) int64 {
	return hard * 9 / 10
}
