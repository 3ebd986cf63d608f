package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/t77yq/flowsched/internal/model"
)

// cronAliases are rewritten to their five-field form before parsing
var cronAliases = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 * *",
	"@weekly":   "0 0 * * 0",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@hourly":   "0 * * * *",
}

// naive layouts accepted for one-time schedules, interpreted in the schedule timezone
var oneTimeLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ExpressionResolver turns a schedule expression into its next fire instant
type ExpressionResolver struct {
	parser cron.Parser
}

// NewExpressionResolver creates a resolver accepting five and six field cron expressions
func NewExpressionResolver() *ExpressionResolver {
	return &ExpressionResolver{
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Resolve returns the first fire instant strictly after now, in UTC.
// timezone must name an IANA zone; an empty zone is rejected.
func (r *ExpressionResolver) Resolve(expression string, kind model.ScheduleType, timezone string, now time.Time) (time.Time, error) {
	loc, err := loadLocation(timezone)
	if err != nil {
		return time.Time{}, err
	}

	expression = strings.TrimSpace(expression)
	if expression == "" {
		return time.Time{}, invalid("schedule_expression", "must not be empty")
	}

	switch kind {
	case model.ScheduleTypeCron:
		return r.nextCron(expression, loc, now)
	case model.ScheduleTypeInterval:
		return nextInterval(expression, now)
	case model.ScheduleTypeOneTime:
		return nextOneTime(expression, loc, now)
	default:
		return time.Time{}, invalid("schedule_type", fmt.Sprintf("unknown type %q", kind))
	}
}

func (r *ExpressionResolver) nextCron(expression string, loc *time.Location, now time.Time) (time.Time, error) {
	if canonical, ok := cronAliases[strings.ToLower(expression)]; ok {
		expression = canonical
	}

	spec, err := r.parser.Parse(expression)
	if err != nil {
		return time.Time{}, invalidErr("schedule_expression", "invalid cron expression", err)
	}

	next := spec.Next(now.In(loc))
	if next.IsZero() {
		return time.Time{}, invalid("schedule_expression", "cron expression never fires")
	}
	return next.UTC(), nil
}

func nextInterval(expression string, now time.Time) (time.Time, error) {
	minutes, err := strconv.Atoi(expression)
	if err != nil {
		return time.Time{}, invalidErr("schedule_expression", "interval must be a whole number of minutes", err)
	}
	if minutes <= 0 {
		return time.Time{}, invalid("schedule_expression", "interval must be positive")
	}
	return now.Add(time.Duration(minutes) * time.Minute).UTC(), nil
}

func nextOneTime(expression string, loc *time.Location, now time.Time) (time.Time, error) {
	at, err := parseInstant(expression, loc)
	if err != nil {
		return time.Time{}, err
	}
	if !at.After(now) {
		return time.Time{}, invalid("schedule_expression", "one-time instant is not in the future")
	}
	return at.UTC(), nil
}

func parseInstant(expression string, loc *time.Location) (time.Time, error) {
	if at, err := time.Parse(time.RFC3339Nano, expression); err == nil {
		return at, nil
	}
	for _, layout := range oneTimeLayouts {
		if at, err := time.ParseInLocation(layout, expression, loc); err == nil {
			return at, nil
		}
	}
	return time.Time{}, invalid("schedule_expression", fmt.Sprintf("unparseable instant %q", expression))
}

func loadLocation(timezone string) (*time.Location, error) {
	if timezone == "" {
		return nil, invalid("timezone", "must not be empty")
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, invalidErr("timezone", fmt.Sprintf("unknown timezone %q", timezone), err)
	}
	return loc, nil
}
