// Package config loads node configuration: a YAML file, BUHDI_* environment
// overrides, and defaults, merged into one Config passed explicitly to the
// daemon's components.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/KrizPB/buhdi-node-sub000/internal/trust"
)

// Config is the fully resolved node configuration.
type Config struct {
	Server   Server
	Log      Log
	Data     Data
	Trust    Trust
	Exchange Exchange
	Control  Control
	Sideload Sideload
	Quotas   Quotas
}

// Server configures the embedded command API.
type Server struct {
	Host            string
	Port            int
	AuthSecret      string // HS256 secret shared with the control plane; empty disables auth (dev)
	DeployPerMinute int    // per-client deploy rate cap
}

// Addr returns the host:port listen address.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Log selects handler format and level.
type Log struct {
	Level  string // debug, info, warn, error
	Format string // text or json
}

// Data locates the node state directory; plugins, vault, and keys live under it.
type Data struct {
	Dir string
}

// Trust configures deploy gating and provenance.
type Trust struct {
	Level       string // approve_each, approve_new, peacock
	KeyURL      string // control-plane endpoint serving the signing key
	AllowBypass bool   // honor the dev bypass flag on deploys
}

// ParsedLevel resolves the configured trust level.
func (t Trust) ParsedLevel() (trust.Level, error) {
	return trust.ParseLevel(t.Level)
}

// Exchange selects the cross-skill data backend.
type Exchange struct {
	Backend string // memory or redis
	Redis   Redis
}

// Redis holds connection settings for the redis exchange backend.
type Redis struct {
	Addr     string
	Password string
	DB       int
}

// Control points at the control plane.
type Control struct {
	ReportURL     string
	UpdateURL     string
	CheckInterval time.Duration
}

// Sideload configures the dev drop-in watcher.
type Sideload struct {
	Enabled bool
	Dir     string
}

// Quotas bound node-wide capacity.
type Quotas struct {
	MaxSkills    int
	MaxDiskMB    int64
	LogLines     int
	HealthWindow time.Duration
}

// Load reads configuration from path, or from buhdi.yaml in the usual
// locations when path is empty. A missing file is fine; defaults and
// environment cover everything.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BUHDI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("buhdi")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/buhdi")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := &Config{
		Server:   getServer(v),
		Log:      getLog(v),
		Data:     getData(v),
		Trust:    getTrust(v),
		Exchange: getExchange(v),
		Control:  getControl(v),
		Sideload: getSideload(v),
		Quotas:   getQuotas(v),
	}
	if _, err := cfg.Trust.ParsedLevel(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.Exchange.Backend != "memory" && cfg.Exchange.Backend != "redis" {
		return nil, fmt.Errorf("config: unknown exchange backend %q", cfg.Exchange.Backend)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8750)
	v.SetDefault("server.auth_secret", "")
	v.SetDefault("server.deploy_per_minute", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("data.dir", "./data")
	v.SetDefault("trust.level", "approve_new")
	v.SetDefault("trust.key_url", "")
	v.SetDefault("trust.allow_bypass", false)
	v.SetDefault("exchange.backend", "memory")
	v.SetDefault("exchange.redis.addr", "127.0.0.1:6379")
	v.SetDefault("exchange.redis.password", "")
	v.SetDefault("exchange.redis.db", 0)
	v.SetDefault("control.report_url", "")
	v.SetDefault("control.update_url", "")
	v.SetDefault("control.check_interval", 30*time.Minute)
	v.SetDefault("sideload.enabled", false)
	v.SetDefault("sideload.dir", "")
	v.SetDefault("quotas.max_skills", 20)
	v.SetDefault("quotas.max_disk_mb", 2048)
	v.SetDefault("quotas.log_lines", 200)
	v.SetDefault("quotas.health_window", 5*time.Second)
}

func getServer(v *viper.Viper) Server {
	return Server{
		Host:            v.GetString("server.host"),
		Port:            v.GetInt("server.port"),
		AuthSecret:      v.GetString("server.auth_secret"),
		DeployPerMinute: v.GetInt("server.deploy_per_minute"),
	}
}

func getLog(v *viper.Viper) Log {
	return Log{
		Level:  v.GetString("log.level"),
		Format: v.GetString("log.format"),
	}
}

func getData(v *viper.Viper) Data {
	return Data{Dir: v.GetString("data.dir")}
}

func getTrust(v *viper.Viper) Trust {
	return Trust{
		Level:       v.GetString("trust.level"),
		KeyURL:      v.GetString("trust.key_url"),
		AllowBypass: v.GetBool("trust.allow_bypass"),
	}
}

func getExchange(v *viper.Viper) Exchange {
	return Exchange{
		Backend: v.GetString("exchange.backend"),
		Redis: Redis{
			Addr:     v.GetString("exchange.redis.addr"),
			Password: v.GetString("exchange.redis.password"),
			DB:       v.GetInt("exchange.redis.db"),
		},
	}
}

func getControl(v *viper.Viper) Control {
	return Control{
		ReportURL:     v.GetString("control.report_url"),
		UpdateURL:     v.GetString("control.update_url"),
		CheckInterval: v.GetDuration("control.check_interval"),
	}
}

func getSideload(v *viper.Viper) Sideload {
	return Sideload{
		Enabled: v.GetBool("sideload.enabled"),
		Dir:     v.GetString("sideload.dir"),
	}
}

func getQuotas(v *viper.Viper) Quotas {
	return Quotas{
		MaxSkills:    v.GetInt("quotas.max_skills"),
		MaxDiskMB:    v.GetInt64("quotas.max_disk_mb"),
		LogLines:     v.GetInt("quotas.log_lines"),
		HealthWindow: v.GetDuration("quotas.health_window"),
	}
}
