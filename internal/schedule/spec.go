// Package schedule fires portal cache refreshes on cron expressions.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/porticohq/portico/pkg/types"
)

// Spec is one parsed refresh schedule. Expressions are standard
// five-field cron, parsed once at load time.
type Spec struct {
	PortalID string
	Expr     string
	schedule cron.Schedule
}

// Parse validates and compiles a cron expression for a portal.
func Parse(portalID, expr string) (Spec, error) {
	if portalID == "" {
		return Spec{}, fmt.Errorf("schedule has no portal id")
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return Spec{}, fmt.Errorf("parsing schedule %q for portal %s: %w", expr, portalID, err)
	}
	return Spec{PortalID: portalID, Expr: expr, schedule: sched}, nil
}

// ParseAll compiles the configured schedules, rejecting duplicates.
func ParseAll(cfgs []types.RefreshSchedule) ([]Spec, error) {
	seen := make(map[string]bool, len(cfgs))
	specs := make([]Spec, 0, len(cfgs))
	for _, c := range cfgs {
		if seen[c.PortalID] {
			return nil, fmt.Errorf("portal %s has more than one schedule", c.PortalID)
		}
		seen[c.PortalID] = true
		s, err := Parse(c.PortalID, c.Cron)
		if err != nil {
			return nil, err
		}
		specs = append(specs, s)
	}
	return specs, nil
}

// Next returns the first fire time strictly after the given time.
func (s Spec) Next(after time.Time) time.Time {
	return s.schedule.Next(after)
}
