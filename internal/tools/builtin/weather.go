package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/voxgate/voxgate/internal/tools"
)

// Open-Meteo endpoints. The service is free and needs no API key.
const (
	defaultGeocodingURL = "https://geocoding-api.open-meteo.com/v1/search"
	defaultForecastURL  = "https://api.open-meteo.com/v1/forecast"

	weatherTimeout = 10 * time.Second
)

// Weather serves the get_weather and get_forecast tools against the
// Open-Meteo API: a geocoding lookup resolves the city to coordinates, then
// a forecast call fetches current conditions or the 7-day outlook.
type Weather struct {
	client       *http.Client
	geocodingURL string
	forecastURL  string
}

// WeatherOption is a functional option for configuring Weather.
type WeatherOption func(*Weather)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) WeatherOption {
	return func(w *Weather) { w.client = c }
}

// WithGeocodingURL overrides the geocoding endpoint. Primarily used in tests.
func WithGeocodingURL(u string) WeatherOption {
	return func(w *Weather) { w.geocodingURL = u }
}

// WithForecastURL overrides the forecast endpoint. Primarily used in tests.
func WithForecastURL(u string) WeatherOption {
	return func(w *Weather) { w.forecastURL = u }
}

// NewWeather creates a Weather tool backend with the given options.
func NewWeather(opts ...WeatherOption) *Weather {
	w := &Weather{
		client:       &http.Client{Timeout: weatherTimeout},
		geocodingURL: defaultGeocodingURL,
		forecastURL:  defaultForecastURL,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// citySchema is the shared parameter schema of both weather tools.
func citySchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"city": map[string]any{
				"type":        "string",
				"description": "City name (e.g., 'London', 'Paris', 'New York')",
			},
		},
		"required": []any{"city"},
	}
}

// Register adds the weather tools to ex.
func (w *Weather) Register(ex *tools.Executor) {
	ex.Register(
		"get_weather",
		"Get current weather conditions for a specific city. Returns temperature, humidity, wind speed, and weather conditions using Open-Meteo API (no API key required).",
		citySchema(),
		w.getWeather,
	)
	ex.Register(
		"get_forecast",
		"Get 7-day weather forecast for a specific city. Returns daily temperature predictions and conditions using Open-Meteo API.",
		citySchema(),
		w.getForecast,
	)
}

// location is one geocoding result.
type location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name"`
	Country   string  `json:"country"`
}

// geocode resolves a city name to its first matching location.
func (w *Weather) geocode(ctx context.Context, city string) (*location, error) {
	q := url.Values{}
	q.Set("name", city)
	q.Set("count", "1")
	q.Set("language", "en")
	q.Set("format", "json")

	var resp struct {
		Results []location `json:"results"`
	}
	if err := w.getJSON(ctx, w.geocodingURL+"?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	return &resp.Results[0], nil
}

// getWeather implements the get_weather tool.
func (w *Weather) getWeather(ctx context.Context, args map[string]any) (any, error) {
	city, _ := args["city"].(string)

	loc, err := w.geocode(ctx, city)
	if err != nil {
		return nil, fmt.Errorf("geocoding %q: %w", city, err)
	}
	if loc == nil {
		return fmt.Sprintf("Could not find coordinates for city: %s", city), nil
	}

	q := url.Values{}
	q.Set("latitude", fmt.Sprintf("%g", loc.Latitude))
	q.Set("longitude", fmt.Sprintf("%g", loc.Longitude))
	q.Set("current", "temperature_2m,relative_humidity_2m,weather_code,wind_speed_10m")

	var resp struct {
		Current *struct {
			Temperature float64 `json:"temperature_2m"`
			Humidity    float64 `json:"relative_humidity_2m"`
			WeatherCode int     `json:"weather_code"`
			WindSpeed   float64 `json:"wind_speed_10m"`
		} `json:"current"`
		CurrentUnits struct {
			Temperature string `json:"temperature_2m"`
		} `json:"current_units"`
	}
	if err := w.getJSON(ctx, w.forecastURL+"?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("fetching weather for %q: %w", city, err)
	}
	if resp.Current == nil {
		return fmt.Sprintf("Could not fetch weather data for %s.", loc.Name), nil
	}

	cur := resp.Current
	return fmt.Sprintf("Weather in %s, %s: %g%s, %s. Humidity: %g%%, Wind: %g km/h",
		loc.Name, loc.Country,
		cur.Temperature, resp.CurrentUnits.Temperature,
		interpretWeatherCode(cur.WeatherCode),
		cur.Humidity, cur.WindSpeed,
	), nil
}

// getForecast implements the get_forecast tool.
func (w *Weather) getForecast(ctx context.Context, args map[string]any) (any, error) {
	city, _ := args["city"].(string)

	loc, err := w.geocode(ctx, city)
	if err != nil {
		return nil, fmt.Errorf("geocoding %q: %w", city, err)
	}
	if loc == nil {
		return fmt.Sprintf("Could not find coordinates for city: %s", city), nil
	}

	q := url.Values{}
	q.Set("latitude", fmt.Sprintf("%g", loc.Latitude))
	q.Set("longitude", fmt.Sprintf("%g", loc.Longitude))
	q.Set("daily", "temperature_2m_max,temperature_2m_min,weather_code")
	q.Set("timezone", "auto")

	var resp struct {
		Daily *struct {
			Time        []string  `json:"time"`
			TempMax     []float64 `json:"temperature_2m_max"`
			TempMin     []float64 `json:"temperature_2m_min"`
			WeatherCode []int     `json:"weather_code"`
		} `json:"daily"`
	}
	if err := w.getJSON(ctx, w.forecastURL+"?"+q.Encode(), &resp); err != nil {
		return nil, fmt.Errorf("fetching forecast for %q: %w", city, err)
	}
	if resp.Daily == nil {
		return fmt.Sprintf("Could not fetch forecast data for %s.", loc.Name), nil
	}

	daily := resp.Daily
	days := min(len(daily.Time), 7)

	var sb strings.Builder
	fmt.Fprintf(&sb, "7-day forecast for %s, %s:\n", loc.Name, loc.Country)
	for i := range days {
		fmt.Fprintf(&sb, "%s: %g°C to %g°C, %s\n",
			daily.Time[i], daily.TempMin[i], daily.TempMax[i],
			interpretWeatherCode(daily.WeatherCode[i]),
		)
	}
	return strings.TrimSpace(sb.String()), nil
}

// getJSON performs a GET request and decodes the JSON response into v.
func (w *Weather) getJSON(ctx context.Context, rawURL string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// wmoConditions maps WMO weather interpretation codes to descriptions.
var wmoConditions = map[int]string{
	0:  "Clear sky",
	1:  "Mainly clear",
	2:  "Partly cloudy",
	3:  "Overcast",
	45: "Foggy",
	48: "Depositing rime fog",
	51: "Light drizzle",
	53: "Moderate drizzle",
	55: "Dense drizzle",
	61: "Slight rain",
	63: "Moderate rain",
	65: "Heavy rain",
	71: "Slight snow",
	73: "Moderate snow",
	75: "Heavy snow",
	77: "Snow grains",
	80: "Slight rain showers",
	81: "Moderate rain showers",
	82: "Violent rain showers",
	85: "Slight snow showers",
	86: "Heavy snow showers",
	95: "Thunderstorm",
	96: "Thunderstorm with slight hail",
	99: "Thunderstorm with heavy hail",
}

// interpretWeatherCode returns the human-readable condition for a WMO code.
func interpretWeatherCode(code int) string {
	if cond, ok := wmoConditions[code]; ok {
		return cond
	}
	return "Unknown"
}
