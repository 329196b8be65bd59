package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	DisplayName string `mapstructure:"display_name"`

	Room      RoomConfig      `mapstructure:"room"`
	Proximity ProximityConfig `mapstructure:"proximity"`
	Media     MediaConfig     `mapstructure:"media"`
	Persist   PersistConfig   `mapstructure:"persist"`
	Server    ServerConfig    `mapstructure:"server"`
}

// RoomConfig points the client at the authoritative room server.
type RoomConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Token    string `mapstructure:"token"`
}

// ProximityConfig holds the distance tuning for the nearby set and
// the audio falloff curve, in world units.
type ProximityConfig struct {
	Threshold        float64       `mapstructure:"threshold"`
	NearRadius       float64       `mapstructure:"near_radius"`
	MaxAudioDistance float64       `mapstructure:"max_audio_distance"`
	TickInterval     time.Duration `mapstructure:"tick_interval"`
}

type MediaConfig struct {
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	STUNServers        []string      `mapstructure:"stun_servers"`
}

type PersistConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig is used by the bundled room server binary only.
type ServerConfig struct {
	Mode          string        `mapstructure:"mode"`
	Port          int           `mapstructure:"port"`
	Secret        string        `mapstructure:"secret"`
	StaticPath    string        `mapstructure:"static_path"`
	ReadLimit     int64         `mapstructure:"read_limit"`
	PingPeriod    time.Duration `mapstructure:"ping_period"`
	ChatRateLimit int           `mapstructure:"chat_rate_limit"`
	ChatRateWin   time.Duration `mapstructure:"chat_rate_window"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("display_name", "guest")
	v.SetDefault("room.endpoint", "ws://localhost:8080/api/ws/room")
	v.SetDefault("room.token", "")
	v.SetDefault("proximity.threshold", 150.0)
	v.SetDefault("proximity.near_radius", 50.0)
	v.SetDefault("proximity.max_audio_distance", 300.0)
	v.SetDefault("proximity.tick_interval", "100ms")
	v.SetDefault("media.negotiation_timeout", "30s")
	v.SetDefault("media.stun_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("persist.path", "atrium.db")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.secret", "atrium-dev-secret")
	v.SetDefault("server.static_path", "./web")
	v.SetDefault("server.read_limit", 32768)
	v.SetDefault("server.ping_period", "54s")
	v.SetDefault("server.chat_rate_limit", 10)
	v.SetDefault("server.chat_rate_window", "10s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
