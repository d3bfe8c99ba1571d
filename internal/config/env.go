package config

import (
	"net"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "SCHEDOPT"

// ApplyEnv overlays environment variables on c. Every key may be set as
// SCHEDOPT_<KEY>; the short aliases match the names older deployments used.
// Call Normalize afterwards.
func ApplyEnv(c *Config) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	_ = v.BindEnv("feed_url", "SCHEDOPT_FEED_URL", "ICS_URL")
	_ = v.BindEnv("cache_dir", "SCHEDOPT_CACHE_DIR")
	_ = v.BindEnv("preferred_group", "SCHEDOPT_PREFERRED_GROUP", "PREFERRED_GROUP")
	_ = v.BindEnv("fallback_group_behavior", "SCHEDOPT_FALLBACK_GROUP_BEHAVIOR", "FALLBACK_GROUP_BEHAVIOR")
	_ = v.BindEnv("optimization_mode", "SCHEDOPT_OPTIMIZATION_MODE", "OPTIMIZATION_MODE")
	_ = v.BindEnv("timezone", "SCHEDOPT_TIMEZONE", "TZ_NAME")
	_ = v.BindEnv("output_dir", "SCHEDOPT_OUTPUT_DIR")
	_ = v.BindEnv("calendar_name", "SCHEDOPT_CALENDAR_NAME", "CALENDAR_NAME")
	_ = v.BindEnv("listen", "SCHEDOPT_LISTEN")
	_ = v.BindEnv("port", "SCHEDOPT_PORT", "PORT")
	_ = v.BindEnv("refresh", "SCHEDOPT_REFRESH")
	_ = v.BindEnv("log_level", "SCHEDOPT_LOG_LEVEL", "LOG_LEVEL")
	_ = v.BindEnv("share_with", "SCHEDOPT_SHARE_WITH", "USER_EMAIL")
	_ = v.BindEnv("google_credentials", "SCHEDOPT_GOOGLE_CREDENTIALS", "GOOGLE_APPLICATION_CREDENTIALS")
	_ = v.BindEnv("caldav_endpoint", "SCHEDOPT_CALDAV_ENDPOINT")
	_ = v.BindEnv("caldav_username", "SCHEDOPT_CALDAV_USERNAME")
	_ = v.BindEnv("caldav_password", "SCHEDOPT_CALDAV_PASSWORD")
	_ = v.BindEnv("auth_username", "SCHEDOPT_AUTH_USERNAME")
	_ = v.BindEnv("auth_password", "SCHEDOPT_AUTH_PASSWORD")

	set := func(key string, dst *string) {
		if s := strings.TrimSpace(v.GetString(key)); s != "" {
			*dst = s
		}
	}

	set("feed_url", &c.Feed.URL)
	set("cache_dir", &c.Feed.CacheDir)
	set("preferred_group", &c.Preferences.PreferredGroup)
	set("fallback_group_behavior", &c.Preferences.FallbackGroupBehavior)
	set("optimization_mode", &c.Preferences.OptimizationMode)
	set("timezone", &c.Preferences.Timezone)
	set("output_dir", &c.Output.Dir)
	set("calendar_name", &c.Output.CalendarName)
	set("listen", &c.Listen)
	set("refresh", &c.RefreshCron)
	set("log_level", &c.LogLevel)
	set("share_with", &c.Google.ShareWith)
	set("google_credentials", &c.Google.CredentialsFile)
	set("caldav_endpoint", &c.CalDAV.Endpoint)
	set("caldav_username", &c.CalDAV.Username)
	set("caldav_password", &c.CalDAV.Password)

	if port := strings.TrimSpace(v.GetString("port")); port != "" {
		host, _, err := net.SplitHostPort(c.Listen)
		if err != nil {
			host = ""
		}
		c.Listen = net.JoinHostPort(host, port)
	}

	user := strings.TrimSpace(v.GetString("auth_username"))
	pass := v.GetString("auth_password")
	if user != "" && pass != "" {
		c.BasicAuth = &BasicAuthConfig{Username: user, Password: pass}
	}
}
