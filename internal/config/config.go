package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type JoinRate struct {
	Limit    int           `mapstructure:"limit"`
	Interval time.Duration `mapstructure:"interval"`
}

type Media struct {
	// Engine selects the Media Engine: "pion" or "memory".
	Engine        string        `mapstructure:"engine"`
	ListenIP      string        `mapstructure:"listen_ip"`
	AnnouncedIP   string        `mapstructure:"announced_ip"`
	UDPPortMin    uint16        `mapstructure:"udp_port_min"`
	UDPPortMax    uint16        `mapstructure:"udp_port_max"`
	TCPPort       int           `mapstructure:"tcp_port"`
	ICEServers    []string      `mapstructure:"ice_servers"`
	GatherTimeout time.Duration `mapstructure:"gather_timeout"`
}

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
	SendBuffer int           `mapstructure:"send_buffer"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`
	JoinRate   JoinRate      `mapstructure:"join_rate"`
	Media      Media         `mapstructure:"media"`
}

// Level parses LogLevel, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

func (c *Config) validate() error {
	switch c.Media.Engine {
	case "pion", "memory":
	default:
		return fmt.Errorf("unknown media engine %q", c.Media.Engine)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.JoinRate.Limit <= 0 || c.JoinRate.Interval <= 0 {
		return fmt.Errorf("join_rate needs a positive limit and interval")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("secret", "huddle-dev-secret")
	v.SetDefault("log_level", "info")
	v.SetDefault("join_rate.limit", 5)
	v.SetDefault("join_rate.interval", "10s")
	v.SetDefault("media.engine", "pion")
	v.SetDefault("media.listen_ip", "0.0.0.0")
	v.SetDefault("media.announced_ip", "")
	v.SetDefault("media.udp_port_min", 40000)
	v.SetDefault("media.udp_port_max", 40100)
	v.SetDefault("media.tcp_port", 0)
	v.SetDefault("media.ice_servers", []string{})
	v.SetDefault("media.gather_timeout", "5s")
}

// Load reads config/config.<CONFIG_ENV>.yaml over the defaults. HUDDLE_*
// environment variables override both, e.g. HUDDLE_MEDIA_ANNOUNCED_IP.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return load(fmt.Sprintf("config/config.%s.yaml", env))
}

func load(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("huddle")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("config loaded")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("static", cfg.StaticPath).
		Str("engine", cfg.Media.Engine).
		Msg("config")
	return &cfg, nil
}
