// Package config loads the daemon configuration from YAML. Values are
// immutable after Load; credential values may reference environment
// variables so secrets stay out of the file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teesync/teesync/internal/crm"
	"github.com/teesync/teesync/pkg/geo"
)

// Defaults applied when the file leaves a field empty.
const (
	DefaultBufferMinutes   = 60
	DefaultSyncInterval    = 30 * time.Minute
	DefaultRunTimeout      = 10 * time.Minute
	DefaultHorizonDays     = 14
	DefaultOpsListenAddr   = ":8080"
	DefaultCachePath       = "teesync-cache.db"
	DefaultOutputDir       = "calendars"
	DefaultReminderMinutes = 60
	DefaultFanOut          = 4
)

// RateConfig is a provider's outbound rate policy. Exactly one of
// min_interval_s or per_window may be set.
type RateConfig struct {
	MinIntervalS int `yaml:"min_interval_s"`
	PerWindow    *struct {
		N       int `yaml:"n"`
		WindowS int `yaml:"window_s"`
	} `yaml:"per_window"`
}

// ProviderConfig holds per-weather-provider options.
type ProviderConfig struct {
	Enabled   *bool  `yaml:"enabled"`
	APIKey    string `yaml:"api_key"`
	UserAgent string `yaml:"user_agent"`
	BaseURL   string `yaml:"base_url"`
	TimeoutS  int    `yaml:"timeout_s"`

	Rate RateConfig `yaml:"rate"`

	CacheTTLShortS  int `yaml:"cache_ttl_short_s"`
	CacheTTLMediumS int `yaml:"cache_ttl_medium_s"`
	CacheTTLLongS   int `yaml:"cache_ttl_long_s"`
}

// IsEnabled reports whether the provider should be registered. Providers
// default to enabled; disabling is explicit.
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// TTL returns a configured TTL in seconds as a duration, or fallback.
func ttl(seconds int, fallback time.Duration) time.Duration {
	if seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return fallback
}

// TTLShort returns the short-horizon cache TTL.
func (p ProviderConfig) TTLShort(fallback time.Duration) time.Duration {
	return ttl(p.CacheTTLShortS, fallback)
}

// TTLMedium returns the medium-horizon cache TTL.
func (p ProviderConfig) TTLMedium(fallback time.Duration) time.Duration {
	return ttl(p.CacheTTLMediumS, fallback)
}

// TTLLong returns the long-horizon cache TTL.
func (p ProviderConfig) TTLLong(fallback time.Duration) time.Duration {
	return ttl(p.CacheTTLLongS, fallback)
}

// ClubConfig describes one club and its tee-sheet backend.
type ClubConfig struct {
	ID           string  `yaml:"id"`
	Name         string  `yaml:"name"`
	Abbreviation string  `yaml:"abbreviation"`
	Backend      string  `yaml:"backend"`
	BaseURL      string  `yaml:"base_url"`
	RestBaseURL  string  `yaml:"rest_base_url"`
	ProductID    string  `yaml:"product_id"`
	Timezone     string  `yaml:"timezone"`
	Lat          float64 `yaml:"lat"`
	Lon          float64 `yaml:"lon"`
}

// AuthConfig carries a membership's credentials. Secret values support
// ${ENV_VAR} references, expanded at load time.
type AuthConfig struct {
	Kind    string            `yaml:"kind"`
	Secrets map[string]string `yaml:"secrets"`
}

// MembershipConfig ties a user to a club.
type MembershipConfig struct {
	ClubID string     `yaml:"club_id"`
	Auth   AuthConfig `yaml:"auth"`
}

// ExternalEventConfig is a fixed commitment merged into the calendar next to
// the reservations.
type ExternalEventConfig struct {
	UID      string    `yaml:"uid"`
	Title    string    `yaml:"title"`
	Category string    `yaml:"category"`
	Start    time.Time `yaml:"start"`
	End      time.Time `yaml:"end"`
	Priority string    `yaml:"priority"`

	// Lat and Lon enable weather decoration for outdoor commitments.
	// Both or neither must be set.
	Lat *float64 `yaml:"lat"`
	Lon *float64 `yaml:"lon"`
}

// UserConfig describes one calendar owner.
type UserConfig struct {
	ID             string                `yaml:"id"`
	Name           string                `yaml:"name"`
	CalendarFile   string                `yaml:"calendar_file"`
	Memberships    []MembershipConfig    `yaml:"memberships"`
	ExternalEvents []ExternalEventConfig `yaml:"external_events"`
}

// AppConfig is the root configuration.
type AppConfig struct {
	TimezoneDefault string `yaml:"timezone_default"`
	BufferMinutes   int    `yaml:"buffer_minutes"`
	ReminderMinutes int    `yaml:"reminder_minutes"`
	HorizonDays     int    `yaml:"horizon_days"`
	SyncIntervalS   int    `yaml:"sync_interval_s"`
	RunTimeoutS     int    `yaml:"run_timeout_s"`

	OutputDir     string `yaml:"output_dir"`
	CachePath     string `yaml:"cache_path"`
	OpsListenAddr string `yaml:"ops_listen_addr"`

	FanOuts struct {
		Memberships int `yaml:"memberships"`
		Weather     int `yaml:"weather"`
	} `yaml:"fan_outs"`

	Telemetry struct {
		Enabled  bool   `yaml:"enabled"`
		Endpoint string `yaml:"endpoint"`
	} `yaml:"telemetry"`

	Providers map[string]ProviderConfig `yaml:"providers"`
	Clubs     []ClubConfig              `yaml:"clubs"`
	Users     []UserConfig              `yaml:"users"`
}

// Load reads, expands, defaults, and validates a configuration file.
func Load(path string) (*AppConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse builds a configuration from YAML bytes.
func Parse(raw []byte) (*AppConfig, error) {
	var cfg AppConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	cfg.expandSecrets()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) applyDefaults() {
	if c.TimezoneDefault == "" {
		c.TimezoneDefault = "UTC"
	}
	if c.BufferMinutes == 0 {
		c.BufferMinutes = DefaultBufferMinutes
	}
	if c.ReminderMinutes == 0 {
		c.ReminderMinutes = DefaultReminderMinutes
	}
	if c.HorizonDays == 0 {
		c.HorizonDays = DefaultHorizonDays
	}
	if c.OutputDir == "" {
		c.OutputDir = DefaultOutputDir
	}
	if c.CachePath == "" {
		c.CachePath = DefaultCachePath
	}
	if c.OpsListenAddr == "" {
		c.OpsListenAddr = DefaultOpsListenAddr
	}
}

// expandSecrets resolves ${ENV_VAR} references in credential values.
func (c *AppConfig) expandSecrets() {
	for _, u := range c.Users {
		for _, m := range u.Memberships {
			for name, value := range m.Auth.Secrets {
				m.Auth.Secrets[name] = os.ExpandEnv(value)
			}
		}
	}
	for id, p := range c.Providers {
		p.APIKey = os.ExpandEnv(p.APIKey)
		c.Providers[id] = p
	}
}

// Validate checks referential integrity and value ranges.
func (c *AppConfig) Validate() error {
	clubs := make(map[string]ClubConfig, len(c.Clubs))
	for _, club := range c.Clubs {
		if club.ID == "" {
			return fmt.Errorf("config: club with empty id")
		}
		if _, dup := clubs[club.ID]; dup {
			return fmt.Errorf("config: duplicate club id %q", club.ID)
		}
		if club.Backend == "" {
			return fmt.Errorf("config: club %s has no backend", club.ID)
		}
		if club.BaseURL == "" {
			return fmt.Errorf("config: club %s has no base_url", club.ID)
		}
		if err := geo.ValidateCoordinates(club.Lat, club.Lon); err != nil {
			return fmt.Errorf("config: club %s: %w", club.ID, err)
		}
		if club.Timezone != "" {
			if _, err := time.LoadLocation(club.Timezone); err != nil {
				return fmt.Errorf("config: club %s: unknown timezone %q", club.ID, club.Timezone)
			}
		}
		clubs[club.ID] = club
	}

	users := make(map[string]bool, len(c.Users))
	for _, u := range c.Users {
		if u.ID == "" {
			return fmt.Errorf("config: user with empty id")
		}
		if users[u.ID] {
			return fmt.Errorf("config: duplicate user id %q", u.ID)
		}
		users[u.ID] = true
		if len(u.Memberships) == 0 {
			return fmt.Errorf("config: user %s has no memberships", u.ID)
		}
		for _, m := range u.Memberships {
			if _, ok := clubs[m.ClubID]; !ok {
				return fmt.Errorf("config: user %s references unknown club %q", u.ID, m.ClubID)
			}
			if _, err := crm.StrategyFor(crm.AuthKind(m.Auth.Kind)); err != nil {
				return fmt.Errorf("config: user %s, club %s: %w", u.ID, m.ClubID, err)
			}
		}
		for _, x := range u.ExternalEvents {
			if x.End.Before(x.Start) {
				return fmt.Errorf("config: user %s: external event %q ends before it starts", u.ID, x.UID)
			}
			if !validPriority(x.Priority) {
				return fmt.Errorf("config: user %s: external event %q has unknown priority %q", u.ID, x.UID, x.Priority)
			}
			if (x.Lat == nil) != (x.Lon == nil) {
				return fmt.Errorf("config: user %s: external event %q sets only one of lat/lon", u.ID, x.UID)
			}
			if x.Lat != nil {
				if err := geo.ValidateCoordinates(*x.Lat, *x.Lon); err != nil {
					return fmt.Errorf("config: user %s: external event %q: %w", u.ID, x.UID, err)
				}
			}
		}
	}

	for id, p := range c.Providers {
		if p.Rate.MinIntervalS > 0 && p.Rate.PerWindow != nil {
			return fmt.Errorf("config: provider %s sets both min_interval_s and per_window", id)
		}
		if p.Rate.PerWindow != nil && (p.Rate.PerWindow.N <= 0 || p.Rate.PerWindow.WindowS <= 0) {
			return fmt.Errorf("config: provider %s has an invalid per_window policy", id)
		}
	}

	if _, err := time.LoadLocation(c.TimezoneDefault); err != nil {
		return fmt.Errorf("config: unknown timezone_default %q", c.TimezoneDefault)
	}
	return nil
}

func validPriority(s string) bool {
	switch s {
	case "", "low", "normal", "high", "critical":
		return true
	}
	return false
}

// SyncInterval returns the configured sync interval.
func (c *AppConfig) SyncInterval() time.Duration {
	if c.SyncIntervalS > 0 {
		return time.Duration(c.SyncIntervalS) * time.Second
	}
	return DefaultSyncInterval
}

// RunTimeout returns the per-run wall-clock budget.
func (c *AppConfig) RunTimeout() time.Duration {
	if c.RunTimeoutS > 0 {
		return time.Duration(c.RunTimeoutS) * time.Second
	}
	return DefaultRunTimeout
}

// TravelBuffer returns the conflict gap as a duration.
func (c *AppConfig) TravelBuffer() time.Duration {
	return time.Duration(c.BufferMinutes) * time.Minute
}

// ReminderLead returns the calendar alarm offset.
func (c *AppConfig) ReminderLead() time.Duration {
	return time.Duration(c.ReminderMinutes) * time.Minute
}

// MembershipFanOut returns the cap on parallel backend fetches.
func (c *AppConfig) MembershipFanOut() int {
	if c.FanOuts.Memberships > 0 {
		return c.FanOuts.Memberships
	}
	return DefaultFanOut
}

// WeatherFanOut returns the cap on parallel forecast lookups.
func (c *AppConfig) WeatherFanOut() int {
	if c.FanOuts.Weather > 0 {
		return c.FanOuts.Weather
	}
	return DefaultFanOut
}

// ClubByID returns a club definition.
func (c *AppConfig) ClubByID(id string) (ClubConfig, bool) {
	for _, club := range c.Clubs {
		if club.ID == id {
			return club, true
		}
	}
	return ClubConfig{}, false
}

// Provider returns a provider's options; the zero value when unset.
func (c *AppConfig) Provider(id string) ProviderConfig {
	return c.Providers[id]
}

// Club converts a club definition into the domain model.
func (cc ClubConfig) Club() (crm.Club, error) {
	loc, err := geo.NewLocation(cc.Lat, cc.Lon)
	if err != nil {
		return crm.Club{}, fmt.Errorf("club %s: %w", cc.ID, err)
	}
	return crm.Club{
		ID:           cc.ID,
		Name:         cc.Name,
		Abbreviation: cc.Abbreviation,
		Backend:      cc.Backend,
		BaseURL:      cc.BaseURL,
		RestBaseURL:  cc.RestBaseURL,
		ProductID:    cc.ProductID,
		Timezone:     cc.Timezone,
		Location:     loc,
	}, nil
}

// Credentials converts an auth block into the domain model.
func (a AuthConfig) Credentials() crm.Credentials {
	secrets := make(map[string]string, len(a.Secrets))
	for name, value := range a.Secrets {
		secrets[name] = value
	}
	return crm.Credentials{Kind: crm.AuthKind(a.Kind), Secrets: secrets}
}
