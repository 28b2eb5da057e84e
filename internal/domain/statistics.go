package domain

import "time"

// Statistics holds progress and pace metrics derived from a session.
type Statistics struct {
	Total                  int           `json:"total"`
	Counted                int           `json:"counted"`
	Remaining              int           `json:"remaining"`
	Percentage             int           `json:"percentage"`
	TimeSpent              time.Duration `json:"timeSpent"`
	AvgTimePerItem         time.Duration `json:"avgTimePerItem"`
	EstimatedRemainingTime time.Duration `json:"estimatedRemainingTime"`
}

// ComputeStatistics derives metrics from the session roster. Finished
// sessions measure time up to their end time instead of now.
func ComputeStatistics(s Session, now time.Time) Statistics {
	total := len(s.Items)
	counted := 0
	for _, item := range s.Items {
		if item.Counted {
			counted++
		}
	}

	end := now
	if s.CountProgress.EndTime != nil {
		end = *s.CountProgress.EndTime
	}
	spent := time.Duration(0)
	if !s.CountProgress.StartTime.IsZero() {
		spent = max(end.Sub(s.CountProgress.StartTime), 0)
	}

	var avg time.Duration
	if counted > 0 {
		avg = spent / time.Duration(counted)
	}
	remaining := total - counted
	return Statistics{
		Total:                  total,
		Counted:                counted,
		Remaining:              remaining,
		Percentage:             Percentage(counted, total),
		TimeSpent:              spent,
		AvgTimePerItem:         avg,
		EstimatedRemainingTime: time.Duration(remaining) * avg,
	}
}
