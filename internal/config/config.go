package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dkeye/Ring/internal/adapters/livekit"
	"github.com/dkeye/Ring/internal/adapters/signalclient"
	"github.com/dkeye/Ring/internal/adapters/speech"
	"github.com/dkeye/Ring/internal/store"
	"github.com/dkeye/Ring/internal/store/redisstore"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	SendQueue  int           `mapstructure:"send_queue"`
	MaxDropped int           `mapstructure:"max_dropped"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	JWT     JWTConfig         `mapstructure:"jwt"`
	CORS    CORSConfig        `mapstructure:"cors"`
	DB      store.Config      `mapstructure:"db"`
	Redis   redisstore.Config `mapstructure:"redis"`
	LiveKit livekit.Config    `mapstructure:"livekit"`
	Speech  SpeechConfig      `mapstructure:"speech"`
	Invites InviteConfig      `mapstructure:"invites"`
	Sweep   SweepConfig       `mapstructure:"sweep"`
	Caller  CallerConfig      `mapstructure:"caller"`
}

type JWTConfig struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"ttl"`
}

type CORSConfig struct {
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// SpeechConfig is handed out by /api/token/speech.
type SpeechConfig struct {
	Key    string `mapstructure:"key"`
	Region string `mapstructure:"region"`
}

type InviteConfig struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

type SweepConfig struct {
	Schedule string `mapstructure:"schedule"`
}

// CallerConfig drives the headless caller binary.
type CallerConfig struct {
	Server     string              `mapstructure:"server"`
	Email      string              `mapstructure:"email"`
	Password   string              `mapstructure:"password"`
	Token      string              `mapstructure:"token"`
	RecordDir  string              `mapstructure:"record_dir"`
	AudioFile  string              `mapstructure:"audio_file"`
	VideoFile  string              `mapstructure:"video_file"`
	AutoEnable bool                `mapstructure:"auto_enable"`
	Signal     signalclient.Config `mapstructure:"signal"`
	Speech     speech.Config       `mapstructure:"speech"`
}

// New returns a viper instance with defaults, reading file or, when empty,
// config/config.<CONFIG_ENV>.yaml. RING_* environment variables override.
func New(file string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	if file == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		file = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(file)
	v.SetEnvPrefix("ring")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("send_queue", 32)
	v.SetDefault("max_dropped", 8)
	v.SetDefault("log_level", "info")

	// empty defaults make these keys visible to RING_* overrides
	for _, key := range []string{
		"secret", "jwt.secret", "db.dsn", "redis.addr", "redis.password",
		"livekit.url", "livekit.api_key", "livekit.api_secret",
		"speech.key", "speech.region",
		"caller.email", "caller.password", "caller.token", "caller.speech.url",
	} {
		v.SetDefault(key, "")
	}

	v.SetDefault("jwt.issuer", "ring")
	v.SetDefault("jwt.ttl", "168h")
	v.SetDefault("cors.allow_origins", []string{"*"})
	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.path", "data/ring.db")
	v.SetDefault("redis.ttl", "3m")
	v.SetDefault("livekit.token_ttl", "1h")
	v.SetDefault("livekit.empty_timeout", "5m")
	v.SetDefault("livekit.max_participants", 2)
	v.SetDefault("invites.limit", 10)
	v.SetDefault("invites.window", "1m")
	v.SetDefault("sweep.schedule", "@every 1m")

	v.SetDefault("caller.server", "http://localhost:8080")
	v.SetDefault("caller.record_dir", "recordings")
	v.SetDefault("caller.auto_enable", true)
	v.SetDefault("caller.signal.min_backoff", "500ms")
	v.SetDefault("caller.signal.max_backoff", "30s")
	v.SetDefault("caller.speech.sample_rate", 48000)
	v.SetDefault("caller.speech.encoding", "opus")
	return v
}

// Load reads the config file behind v, falling back to defaults when it is missing.
func Load(v *viper.Viper) (*Config, error) {
	fileName := v.ConfigFileUsed()
	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Caller.Signal.URL == "" {
		cfg.Caller.Signal.URL = SignalURL(cfg.Caller.Server)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | DB: %s\n", cfg.Mode, cfg.Port, cfg.DB.Driver)
	return &cfg, nil
}

// SignalURL derives the websocket endpoint from the server's HTTP base URL.
func SignalURL(server string) string {
	base := strings.TrimRight(server, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/ws/signal"
}
