// Package cronexpr validates 5-field cron expressions and computes fire
// times in a given IANA timezone.
package cronexpr

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts the classic 5-field grammar (minute hour dom month dow)
// with ranges, lists, steps and wildcards. Descriptors like "@daily" are
// deliberately excluded; schedules are stored as plain field expressions.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate reports whether expr is a well-formed 5-field cron expression.
func Validate(expr string) bool {
	if len(strings.Fields(expr)) != 5 {
		return false
	}
	_, err := parser.Parse(expr)
	return err == nil
}

// Next returns the next occurrence of expr strictly after from, evaluated in
// the given timezone ("" means UTC). Daylight-saving transitions are handled
// by the location-aware schedule.
func Next(expr string, timezone string, from time.Time) (time.Time, error) {
	loc := time.UTC
	if timezone != "" {
		var err error
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timezone %q: %w", timezone, err)
		}
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(from.In(loc)), nil
}

// Spec renders expr as a robfig/cron spec string carrying the timezone, so a
// single cron runner can host entries in mixed zones.
func Spec(expr string, timezone string) string {
	if timezone == "" {
		return expr
	}
	return "CRON_TZ=" + timezone + " " + expr
}
