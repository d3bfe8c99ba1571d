package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"schedopt/internal/model"
	"schedopt/internal/timetable"
)

var ErrInvalid = errors.New("invalid config")

// FeedConfig describes the university timetable subscription.
type FeedConfig struct {
	// URL is the ICS endpoint (http, https, webcal, file or a plain path).
	URL string `yaml:"url" json:"url"`
	// CacheDir holds the ETag/Last-Modified cache of the feed.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`
	// SkipAllDay drops DATE-valued entries such as holidays.
	SkipAllDay bool `yaml:"skip_all_day" json:"skip_all_day"`
}

// PreferencesConfig is the selection policy as written in the config file.
type PreferencesConfig struct {
	PreferredGroup        string `yaml:"preferred_group" json:"preferred_group"`
	FallbackGroupBehavior string `yaml:"fallback_group_behavior" json:"fallback_group_behavior"`
	OptimizationMode      string `yaml:"optimization_mode" json:"optimization_mode"`
	MinimumBreakMinutes   int    `yaml:"minimum_break_minutes" json:"minimum_break_minutes"`
	SkipWeekends          bool   `yaml:"skip_weekends" json:"skip_weekends"`
	// Timezone is the IANA zone used for floating feed times, calendar days
	// and weekends (e.g. "Europe/Brussels").
	Timezone string `yaml:"timezone" json:"timezone"`
}

// ClassifierConfig is the vocabulary used to read group labels and session
// types out of free text.
type ClassifierConfig struct {
	Alphabet      []string `yaml:"alphabet" json:"alphabet"`
	AllGroups     []string `yaml:"all_groups" json:"all_groups"`
	NotApplicable []string `yaml:"not_applicable" json:"not_applicable"`
	GroupPrefixes []string `yaml:"group_prefixes" json:"group_prefixes"`
	SessionTypes  []string `yaml:"session_types" json:"session_types"`
}

// SlotConfig decides when parallel lessons are the same class occurrence.
type SlotConfig struct {
	// Mode is "same_start" or "overlap".
	Mode             string `yaml:"mode" json:"mode"`
	ToleranceMinutes int    `yaml:"tolerance_minutes" json:"tolerance_minutes"`
}

// WindowConfig bounds recurrence expansion around the run time.
type WindowConfig struct {
	BackfillDays int `yaml:"backfill_days" json:"backfill_days"`
	HorizonDays  int `yaml:"horizon_days" json:"horizon_days"`
}

type OutputConfig struct {
	Dir             string `yaml:"dir" json:"dir"`
	File            string `yaml:"file" json:"file"`
	CalendarName    string `yaml:"calendar_name" json:"calendar_name"`
	ReminderMinutes int    `yaml:"reminder_minutes" json:"reminder_minutes"`
}

// GoogleConfig enables pushing the result to a Google calendar.
type GoogleConfig struct {
	Enabled         bool   `yaml:"enabled" json:"enabled"`
	CalendarName    string `yaml:"calendar_name" json:"calendar_name"`
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`
	TokenFile       string `yaml:"token_file" json:"token_file"`
	// ShareWith gets owner access to the calendar when set.
	ShareWith string `yaml:"share_with" json:"share_with"`
	// Public grants read access to everyone and yields an embed URL.
	Public bool `yaml:"public" json:"public"`
}

// CalDAVConfig enables pushing the result to a CalDAV server (iCloud,
// Nextcloud, ...).
type CalDAVConfig struct {
	Enabled      bool   `yaml:"enabled" json:"enabled"`
	Endpoint     string `yaml:"endpoint" json:"endpoint"`
	Username     string `yaml:"username" json:"username"`
	Password     string `yaml:"password" json:"-"`
	CalendarName string `yaml:"calendar_name" json:"calendar_name"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

// Config is the top-level application configuration.
type Config struct {
	Feed        FeedConfig        `yaml:"feed" json:"feed"`
	Preferences PreferencesConfig `yaml:"preferences" json:"preferences"`
	Classifier  ClassifierConfig  `yaml:"classifier" json:"classifier"`
	Slot        SlotConfig        `yaml:"slot" json:"slot"`
	Window      WindowConfig      `yaml:"window" json:"window"`
	Output      OutputConfig      `yaml:"output" json:"output"`

	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// RefreshCron is the cron schedule (e.g. "0 6 * * *") on which serve
	// re-runs the pipeline. Empty disables scheduled runs.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	Google GoogleConfig `yaml:"google" json:"google"`
	CalDAV CalDAVConfig `yaml:"caldav" json:"caldav"`

	LogLevel string `yaml:"log_level" json:"log_level"`
	// LogFile receives a copy of the log lines when set.
	LogFile string `yaml:"log_file" json:"log_file"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	v := timetable.DefaultVocabulary()
	return &Config{
		Feed: FeedConfig{
			CacheDir:   "./var/ics-cache",
			SkipAllDay: true,
		},
		Preferences: PreferencesConfig{
			PreferredGroup:        "A",
			FallbackGroupBehavior: string(timetable.FallbackAnyAvailable),
			OptimizationMode:      string(timetable.ModeEarliestLesson),
			MinimumBreakMinutes:   1,
			SkipWeekends:          true,
			Timezone:              "Europe/Brussels",
		},
		Classifier: ClassifierConfig{
			Alphabet:      v.Alphabet,
			AllGroups:     v.AllGroups,
			NotApplicable: v.NotApplicable,
			GroupPrefixes: v.GroupPrefixes,
			SessionTypes:  timetable.DefaultSessionTypes(),
		},
		Slot: SlotConfig{
			Mode: string(timetable.SlotSameStart),
		},
		Window: WindowConfig{
			BackfillDays: 30,
			HorizonDays:  180,
		},
		Output: OutputConfig{
			Dir:          "output",
			File:         "optimized_schedule.ics",
			CalendarName: "UHasselt Optimized Schedule",
		},
		Listen:      "127.0.0.1:5000",
		RefreshCron: "0 6 * * *",
		Google: GoogleConfig{
			CredentialsFile: "credentials.json",
			TokenFile:       "token.json",
		},
		LogLevel: "info",
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (e.g., older versions) still behave correctly.
func (c *Config) Normalize() {
	d := DefaultConfig()

	if c.Feed.CacheDir == "" {
		c.Feed.CacheDir = d.Feed.CacheDir
	}
	c.Feed.URL = strings.TrimSpace(c.Feed.URL)

	p := &c.Preferences
	p.PreferredGroup = strings.ToUpper(strings.TrimSpace(p.PreferredGroup))
	if p.PreferredGroup == "" {
		p.PreferredGroup = d.Preferences.PreferredGroup
	}
	// Older files carry "use_all_if_missing"; Parse maps it.
	if f, err := timetable.ParseFallback(p.FallbackGroupBehavior); err == nil {
		p.FallbackGroupBehavior = string(f)
	}
	if m, err := timetable.ParseMode(p.OptimizationMode); err == nil {
		p.OptimizationMode = string(m)
	}
	if p.Timezone == "" {
		p.Timezone = d.Preferences.Timezone
	}

	cl := &c.Classifier
	if len(cl.Alphabet) == 0 {
		cl.Alphabet = d.Classifier.Alphabet
	}
	if len(cl.SessionTypes) == 0 {
		cl.SessionTypes = d.Classifier.SessionTypes
	}
	// AllGroups, NotApplicable and GroupPrefixes may be emptied on purpose.
	if cl.AllGroups == nil {
		cl.AllGroups = d.Classifier.AllGroups
	}
	if cl.NotApplicable == nil {
		cl.NotApplicable = d.Classifier.NotApplicable
	}
	if cl.GroupPrefixes == nil {
		cl.GroupPrefixes = d.Classifier.GroupPrefixes
	}

	if m, err := timetable.ParseSlotMode(c.Slot.Mode); err == nil {
		c.Slot.Mode = string(m)
	}
	if c.Window.BackfillDays < 0 {
		c.Window.BackfillDays = 0
	}
	if c.Window.HorizonDays <= 0 {
		c.Window.HorizonDays = d.Window.HorizonDays
	}

	if c.Output.Dir == "" {
		c.Output.Dir = d.Output.Dir
	}
	if c.Output.File == "" {
		c.Output.File = d.Output.File
	}
	if c.Output.CalendarName == "" {
		c.Output.CalendarName = d.Output.CalendarName
	}
	if c.Google.CalendarName == "" {
		c.Google.CalendarName = c.Output.CalendarName
	}
	if c.Google.CredentialsFile == "" {
		c.Google.CredentialsFile = d.Google.CredentialsFile
	}
	if c.Google.TokenFile == "" {
		c.Google.TokenFile = d.Google.TokenFile
	}
	if c.CalDAV.CalendarName == "" {
		c.CalDAV.CalendarName = c.Output.CalendarName
	}

	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.BasicAuth != nil && c.BasicAuth.Username == "" && c.BasicAuth.Password == "" {
		c.BasicAuth = nil
	}
}

// Validate reports every problem that would make a run fail.
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.Options(); err != nil {
		errs = append(errs, err)
	}
	if c.RefreshCron != "" {
		if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
			errs = append(errs, fmt.Errorf("%w: refresh %q: %v", ErrInvalid, c.RefreshCron, err))
		}
	}
	if c.Output.ReminderMinutes < 0 {
		errs = append(errs, fmt.Errorf("%w: output.reminder_minutes must not be negative", ErrInvalid))
	}
	if c.CalDAV.Enabled && c.CalDAV.Endpoint == "" {
		errs = append(errs, fmt.Errorf("%w: caldav.endpoint is required when caldav is enabled", ErrInvalid))
	}
	if c.BasicAuth != nil && (c.BasicAuth.Username == "" || c.BasicAuth.Password == "") {
		errs = append(errs, fmt.Errorf("%w: basic_auth needs both username and password", ErrInvalid))
	}
	return errors.Join(errs...)
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	cp := *c
	cp.Classifier.Alphabet = slices.Clone(c.Classifier.Alphabet)
	cp.Classifier.AllGroups = slices.Clone(c.Classifier.AllGroups)
	cp.Classifier.NotApplicable = slices.Clone(c.Classifier.NotApplicable)
	cp.Classifier.GroupPrefixes = slices.Clone(c.Classifier.GroupPrefixes)
	cp.Classifier.SessionTypes = slices.Clone(c.Classifier.SessionTypes)
	if c.BasicAuth != nil {
		auth := *c.BasicAuth
		cp.BasicAuth = &auth
	}
	return &cp
}

// Location loads the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Preferences.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalid, c.Preferences.Timezone, err)
	}
	return loc, nil
}

// Options converts the config into timetable engine options.
func (c *Config) Options() (timetable.Options, error) {
	loc, err := c.Location()
	if err != nil {
		return timetable.Options{}, err
	}
	fallback, err := timetable.ParseFallback(c.Preferences.FallbackGroupBehavior)
	if err != nil {
		return timetable.Options{}, err
	}
	mode, err := timetable.ParseMode(c.Preferences.OptimizationMode)
	if err != nil {
		return timetable.Options{}, err
	}
	slotMode, err := timetable.ParseSlotMode(c.Slot.Mode)
	if err != nil {
		return timetable.Options{}, err
	}

	opts := timetable.Options{
		Preferences: timetable.Preferences{
			PreferredGroup: model.Named(c.Preferences.PreferredGroup),
			Fallback:       fallback,
			Mode:           mode,
			MinimumBreak:   time.Duration(c.Preferences.MinimumBreakMinutes) * time.Minute,
			SkipWeekends:   c.Preferences.SkipWeekends,
			Location:       loc,
		},
		Vocabulary: timetable.Vocabulary{
			Alphabet:      c.Classifier.Alphabet,
			AllGroups:     c.Classifier.AllGroups,
			NotApplicable: c.Classifier.NotApplicable,
			GroupPrefixes: c.Classifier.GroupPrefixes,
		},
		SessionTypes: c.Classifier.SessionTypes,
		Slot: timetable.SlotPolicy{
			Mode:      slotMode,
			Tolerance: time.Duration(c.Slot.ToleranceMinutes) * time.Minute,
		},
	}
	if err := opts.Preferences.Validate(opts.Vocabulary.Alphabet); err != nil {
		return timetable.Options{}, err
	}
	if err := opts.Slot.Validate(); err != nil {
		return timetable.Options{}, err
	}
	return opts, nil
}

// ExpandRange returns the recurrence expansion window around now.
func (c *Config) ExpandRange(now time.Time) (time.Time, time.Time) {
	return now.AddDate(0, 0, -c.Window.BackfillDays), now.AddDate(0, 0, c.Window.HorizonDays)
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist: write a default config with 0600 perms
//     and return it.
//   - If the file exists: read YAML over the defaults and normalize.
//
// Environment overrides are applied by the caller via ApplyEnv.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	// Unmarshal over the defaults so omitted booleans keep their default.
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".schedopt-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
