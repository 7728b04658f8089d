package timer

// DriftDetector compares a tab's locally computed elapsed time against an
// externally reported one and signals when they diverge beyond the
// threshold. That happens when a backgrounded tab has its timers throttled,
// or when the system clock moves. Advisory only: detection never corrects
// the local clock; the caller decides whether to resynchronize.
type DriftDetector struct {
	thresholdMs int64
}

// NewDriftDetector creates a detector. A non-positive threshold disables
// detection.
func NewDriftDetector(thresholdMs int64) *DriftDetector {
	return &DriftDetector{thresholdMs: thresholdMs}
}

// Check returns the signed drift (reported - local) when the divergence
// exceeds the threshold, and 0 otherwise. A negative value means the local
// clock ran ahead of the reported one (for example, after a backward system
// clock adjustment on the reporting side).
func (d *DriftDetector) Check(localMs, reportedMs int64) int64 {
	if d.thresholdMs <= 0 {
		return 0
	}
	drift := reportedMs - localMs
	if abs64(drift) <= d.thresholdMs {
		return 0
	}
	return drift
}
