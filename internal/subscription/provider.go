package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"net/url"
	"time"

	"github.com/bipupu/server/internal/model"

	gocache "github.com/patrickmn/go-cache"
)

// ContentProvider generates the notification body for one subscription
// on one day.
type ContentProvider interface {
	Generate(ctx context.Context, sub *model.Subscription, day string) (string, error)
}

// WeatherProvider builds daily weather notifications from the
// Open-Meteo forecast API. Responses are cached per coordinate pair so
// many subscribers in one city cost one upstream call per tick window.
type WeatherProvider struct {
	baseURL string
	client  *http.Client
	cache   *gocache.Cache
}

const weatherCacheTTL = 30 * time.Minute

func NewWeatherProvider(baseURL string) *WeatherProvider {
	if baseURL == "" {
		baseURL = "https://api.open-meteo.com"
	}
	return &WeatherProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		cache:   gocache.New(weatherCacheTTL, 10*time.Minute),
	}
}

type forecast struct {
	Current struct {
		Temperature float64 `json:"temperature_2m"`
		WeatherCode int     `json:"weather_code"`
	} `json:"current"`
	Daily struct {
		TemperatureMax []float64 `json:"temperature_2m_max"`
		TemperatureMin []float64 `json:"temperature_2m_min"`
	} `json:"daily"`
}

func (p *WeatherProvider) Generate(ctx context.Context, sub *model.Subscription, _ string) (string, error) {
	city, _ := sub.Settings["city"].(string)
	if city == "" {
		city = "Shanghai"
	}
	lat := settingFloat(sub.Settings, "latitude", 31.22)
	lon := settingFloat(sub.Settings, "longitude", 121.46)

	fc, err := p.fetch(ctx, lat, lon)
	if err != nil {
		return "", err
	}

	text := fmt.Sprintf("Weather for %s: %s, %.0f°C now", city, describeWeather(fc.Current.WeatherCode), fc.Current.Temperature)
	if len(fc.Daily.TemperatureMin) > 0 && len(fc.Daily.TemperatureMax) > 0 {
		text += fmt.Sprintf(" (%.0f°C to %.0f°C today)", fc.Daily.TemperatureMin[0], fc.Daily.TemperatureMax[0])
	}
	return text, nil
}

func (p *WeatherProvider) fetch(ctx context.Context, lat, lon float64) (*forecast, error) {
	key := fmt.Sprintf("%.2f,%.2f", lat, lon)
	if cached, ok := p.cache.Get(key); ok {
		return cached.(*forecast), nil
	}

	q := url.Values{}
	q.Set("latitude", fmt.Sprintf("%.2f", lat))
	q.Set("longitude", fmt.Sprintf("%.2f", lon))
	q.Set("current", "temperature_2m,weather_code")
	q.Set("daily", "temperature_2m_max,temperature_2m_min")
	q.Set("timezone", "UTC")
	q.Set("forecast_days", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/forecast?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build forecast request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch forecast: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("forecast API returned %d", resp.StatusCode)
	}

	var fc forecast
	if err := json.NewDecoder(resp.Body).Decode(&fc); err != nil {
		return nil, fmt.Errorf("decode forecast: %w", err)
	}

	p.cache.Set(key, &fc, gocache.DefaultExpiration)
	return &fc, nil
}

func settingFloat(settings map[string]any, key string, def float64) float64 {
	if v, ok := settings[key].(float64); ok {
		return v
	}
	return def
}

// WMO weather interpretation codes, the common subset.
func describeWeather(code int) string {
	switch {
	case code == 0:
		return "clear sky"
	case code <= 3:
		return "partly cloudy"
	case code <= 48:
		return "foggy"
	case code <= 57:
		return "drizzle"
	case code <= 67:
		return "rain"
	case code <= 77:
		return "snow"
	case code <= 82:
		return "rain showers"
	case code <= 86:
		return "snow showers"
	default:
		return "thunderstorm"
	}
}

// FortuneProvider generates the daily reading. The text is derived from
// a hash of zodiac sign and date, so every tick and every process
// produces the same reading for the same subscriber on the same day.
type FortuneProvider struct{}

func NewFortuneProvider() *FortuneProvider {
	return &FortuneProvider{}
}

var fortuneMoods = []string{
	"An unexpected conversation opens a door today.",
	"Patience pays off; let the slow thing stay slow.",
	"Someone is waiting for you to make the first move.",
	"A small detour leads somewhere worth being.",
	"Finish the thing you keep postponing; relief follows.",
	"Your instinct about a recent decision is correct.",
	"Today rewards listening more than speaking.",
	"An old idea becomes useful in a new context.",
}

var fortuneColors = []string{"red", "amber", "gold", "green", "teal", "blue", "violet", "silver"}

func (p *FortuneProvider) Generate(_ context.Context, sub *model.Subscription, day string) (string, error) {
	zodiac, _ := sub.Settings["zodiac"].(string)
	if zodiac == "" {
		zodiac = "aries"
	}

	h := fnv.New32a()
	h.Write([]byte(zodiac + "|" + day))
	seed := h.Sum32()

	mood := fortuneMoods[seed%uint32(len(fortuneMoods))]
	color := fortuneColors[(seed>>8)%uint32(len(fortuneColors))]
	lucky := seed%9 + 1

	return fmt.Sprintf("Cosmic Fortune (%s): %s Lucky color %s, lucky number %d.", zodiac, mood, color, lucky), nil
}
