package plan

import "time"

// Metrics summarizes the expected shape of a plan's execution.
type Metrics struct {
	TotalEstimatedDuration time.Duration `json:"total_estimated_duration"`
	TotalEstimatedCost     float64       `json:"total_estimated_cost"`
	CriticalPath           []string      `json:"critical_path"`
	CriticalPathDuration   time.Duration `json:"critical_path_duration"`
}

// ComputeMetrics derives the plan's estimate summary.
//
// Total duration assumes each phase runs as long as its slowest assignment.
// The critical path is the maximum cumulative-duration chain through the
// required dependency edges.
func (p *ExecutionPlan) ComputeMetrics() Metrics {
	m := Metrics{}
	for _, ph := range p.Phases {
		var phaseMax time.Duration
		for _, a := range ph.Assignments {
			m.TotalEstimatedCost += a.EstimatedCost
			if a.EstimatedDuration > phaseMax {
				phaseMax = a.EstimatedDuration
			}
		}
		m.TotalEstimatedDuration += phaseMax
	}
	m.CriticalPath, m.CriticalPathDuration = p.criticalPath()
	return m
}

// criticalPath walks phases in order, tracking per task the heaviest chain of
// required dependencies ending at it.
func (p *ExecutionPlan) criticalPath() ([]string, time.Duration) {
	cum := make(map[string]time.Duration, len(p.durations))
	prev := make(map[string]string, len(p.durations))

	var bestID string
	var best time.Duration
	for _, ph := range p.Phases {
		for _, a := range ph.Assignments {
			var depMax time.Duration
			var depID string
			for _, dep := range p.requiredDeps[a.TaskID] {
				if cum[dep] > depMax || (cum[dep] == depMax && depID == "") {
					depMax, depID = cum[dep], dep
				}
			}
			cum[a.TaskID] = depMax + p.durations[a.TaskID]
			prev[a.TaskID] = depID
			if cum[a.TaskID] > best {
				best, bestID = cum[a.TaskID], a.TaskID
			}
		}
	}

	if bestID == "" {
		return nil, 0
	}
	var path []string
	for id := bestID; id != ""; id = prev[id] {
		path = append([]string{id}, path...)
	}
	return path, best
}

// ParallelismEfficiency is the post-execution ratio of actual wall clock time
// to the serial sum of task durations. Lower is better; 1.0 means no
// parallelism was realized. Reported only, never used for control.
func ParallelismEfficiency(actualWallClock, sequentialDuration time.Duration) float64 {
	if sequentialDuration <= 0 {
		return 0
	}
	return float64(actualWallClock) / float64(sequentialDuration)
}
