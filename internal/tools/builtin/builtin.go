// Package builtin provides the standard in-process tool set offered to
// every session: current weather and forecasts via the Open-Meteo API, and
// timezone-aware clock lookups that need no external service.
package builtin

import "github.com/voxgate/voxgate/internal/tools"

// RegisterStandard registers the default tool set on ex: get_weather,
// get_forecast, get_current_time and get_time_difference.
func RegisterStandard(ex *tools.Executor) {
	NewWeather().Register(ex)
	NewClock().Register(ex)
}
