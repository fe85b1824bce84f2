package producers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"vesselrelay/src/events"
)

// NewWeather builds the weather forecast fetcher. endpoint is the base
// URL; fetchForecast appends the current position to it as the query
// parameters "lat" and "lon" and adds no other provider-specific
// parameters.
func NewWeather(client *http.Client, endpoint string, interval time.Duration, position PositionProvider) *fetcher {
	fetch := func(ctx context.Context, lat, lon float64) (map[string]any, error) {
		return fetchForecast(ctx, client, endpoint, lat, lon)
	}
	wrap := func(data map[string]any, at time.Time) events.Event {
		return events.Event{Topic: events.TopicWeatherUpdate, Payload: events.WeatherUpdate{Forecast: data, Timestamp: at}}
	}
	return newFetcher("weather", 4, interval, position, fetch, wrap)
}

// NewTidal builds the tidal prediction fetcher, sharing the exact same
// scheduling/backoff/debounce machinery as Weather (spec §4.2 describes
// them with the same contract, differing only in interval and source).
func NewTidal(client *http.Client, endpoint string, interval time.Duration, position PositionProvider) *fetcher {
	fetch := func(ctx context.Context, lat, lon float64) (map[string]any, error) {
		return fetchForecast(ctx, client, endpoint, lat, lon)
	}
	wrap := func(data map[string]any, at time.Time) events.Event {
		return events.Event{Topic: events.TopicTideUpdate, Payload: events.TideUpdate{Data: data, Timestamp: at}}
	}
	return newFetcher("tidal", 4, interval, position, fetch, wrap)
}

func fetchForecast(ctx context.Context, client *http.Client, endpoint string, lat, lon float64) (map[string]any, error) {
	url := fmt.Sprintf("%s?lat=%f&lon=%f", endpoint, lat, lon)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", endpoint, resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
