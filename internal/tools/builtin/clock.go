package builtin

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/voxgate/voxgate/internal/tools"
)

// commonTimezones is suggested when a lookup names an unknown zone.
var commonTimezones = []string{
	"UTC", "America/New_York", "America/Los_Angeles",
	"Europe/London", "Europe/Paris", "Asia/Tokyo",
	"Asia/Shanghai", "Australia/Sydney",
}

// Clock serves the get_current_time and get_time_difference tools from the
// local tz database; no external service is involved.
type Clock struct {
	now func() time.Time
}

// NewClock creates a Clock backed by the system time.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Register adds the clock tools to ex.
func (c *Clock) Register(ex *tools.Executor) {
	ex.Register(
		"get_current_time",
		"Get the current date and time in a specific timezone. Supports all standard timezone names like 'America/New_York', 'Europe/London', 'Asia/Tokyo', etc.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{
					"type":        "string",
					"description": "Timezone name (e.g., 'America/New_York', 'Asia/Tokyo', 'UTC'). Defaults to UTC if not specified.",
				},
			},
			"required": []any{},
		},
		c.getCurrentTime,
	)
	ex.Register(
		"get_time_difference",
		"Calculate the time difference between two timezones. Useful for scheduling across time zones.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone1": map[string]any{
					"type":        "string",
					"description": "First timezone name",
				},
				"timezone2": map[string]any{
					"type":        "string",
					"description": "Second timezone name",
				},
			},
			"required": []any{"timezone1", "timezone2"},
		},
		c.getTimeDifference,
	)
}

// getCurrentTime implements the get_current_time tool.
func (c *Clock) getCurrentTime(_ context.Context, args map[string]any) (any, error) {
	name, _ := args["timezone"].(string)
	if name == "" {
		name = "UTC"
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return fmt.Sprintf("Unknown timezone: %s. Try one of these: %s",
			name, strings.Join(commonTimezones, ", ")), nil
	}

	formatted := c.now().In(loc).Format("2006-01-02 15:04:05 MST")
	return fmt.Sprintf("Current time in %s: %s", name, formatted), nil
}

// getTimeDifference implements the get_time_difference tool.
func (c *Clock) getTimeDifference(_ context.Context, args map[string]any) (any, error) {
	name1, _ := args["timezone1"].(string)
	name2, _ := args["timezone2"].(string)

	loc1, err := time.LoadLocation(name1)
	if err != nil {
		return fmt.Sprintf("Unknown timezone in request: %s", name1), nil
	}
	loc2, err := time.LoadLocation(name2)
	if err != nil {
		return fmt.Sprintf("Unknown timezone in request: %s", name2), nil
	}

	now := c.now()
	_, off1 := now.In(loc1).Zone()
	_, off2 := now.In(loc2).Zone()
	difference := float64(off1-off2) / 3600

	switch {
	case difference == 0:
		return fmt.Sprintf("%s and %s are in the same timezone (no difference).", name1, name2), nil
	case difference > 0:
		return fmt.Sprintf("%s is %.1f hours ahead of %s.", name1, difference, name2), nil
	default:
		return fmt.Sprintf("%s is %.1f hours behind %s.", name1, math.Abs(difference), name2), nil
	}
}
