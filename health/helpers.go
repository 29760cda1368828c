package health

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Status levels as they appear in summaries and logs.
const (
	levelHealthy   = "healthy"
	levelDegraded  = "degraded"
	levelUnhealthy = "unhealthy"
)

func newStatus(component, level, message string, healthy bool) Status {
	return Status{
		Component: component,
		Healthy:   healthy,
		Status:    level,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewHealthy reports a component operating normally.
func NewHealthy(component, message string) Status {
	return newStatus(component, levelHealthy, message, true)
}

// NewDegraded reports a component running with reduced guarantees, such as a
// queue that lost its journal or a session buffering while disconnected.
func NewDegraded(component, message string) Status {
	return newStatus(component, levelDegraded, message, false)
}

// NewUnhealthy reports a component that is not doing its job.
func NewUnhealthy(component, message string) Status {
	return newStatus(component, levelUnhealthy, message, false)
}

// Aggregate folds component statuses into one system status: any unhealthy
// component makes the system unhealthy, otherwise any degraded component
// makes it degraded. The offending components are named in the message, and
// sub-statuses attach sorted by component so repeated summaries compare
// cleanly in logs.
func Aggregate(component string, subs []Status) Status {
	if len(subs) == 0 {
		return NewHealthy(component, "no components reporting")
	}

	var degraded, unhealthy []string
	for _, sub := range subs {
		switch {
		case sub.IsUnhealthy():
			unhealthy = append(unhealthy, sub.Component)
		case sub.IsDegraded():
			degraded = append(degraded, sub.Component)
		}
	}
	sort.Strings(unhealthy)
	sort.Strings(degraded)

	var agg Status
	switch {
	case len(unhealthy) > 0:
		agg = NewUnhealthy(component, "unhealthy: "+strings.Join(unhealthy, ", "))
	case len(degraded) > 0:
		agg = NewDegraded(component, "degraded: "+strings.Join(degraded, ", "))
	default:
		agg = NewHealthy(component, fmt.Sprintf("%d components healthy", len(subs)))
	}

	agg.SubStatuses = make([]Status, len(subs))
	copy(agg.SubStatuses, subs)
	sort.Slice(agg.SubStatuses, func(i, j int) bool {
		return agg.SubStatuses[i].Component < agg.SubStatuses[j].Component
	})
	return agg
}
