package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode           string   `mapstructure:"mode"`
	Port           int      `mapstructure:"port"`
	TLSCert        string   `mapstructure:"tls_cert"`
	TLSKey         string   `mapstructure:"tls_key"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	Workers          int    `mapstructure:"workers"`
	ListenIP         string `mapstructure:"listen_ip"`
	AnnouncedAddress string `mapstructure:"announced_address"`
	RTCBasePort      int    `mapstructure:"rtc_base_port"`
	EnableUDP        bool   `mapstructure:"enable_udp"`
	EnableTCP        bool   `mapstructure:"enable_tcp"`
	PreferUDP        bool   `mapstructure:"prefer_udp"`

	ReadLimit           int64         `mapstructure:"read_limit"`
	PingPeriod          time.Duration `mapstructure:"ping_period"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	ObserverInterval    time.Duration `mapstructure:"observer_interval"`
	AudioLevelThreshold int           `mapstructure:"audio_level_threshold"`
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

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("workers", runtime.NumCPU())
	v.SetDefault("listen_ip", "0.0.0.0")
	v.SetDefault("rtc_base_port", 40000)
	v.SetDefault("enable_udp", true)
	v.SetDefault("enable_tcp", true)
	v.SetDefault("prefer_udp", true)
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("request_timeout", "15s")
	v.SetDefault("observer_interval", "800ms")
	v.SetDefault("audio_level_threshold", -80)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("file", fileName).Msg("config loaded")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &cfg, nil
}

// DefaultMediaCodecs is the codec set every room's router negotiates with.
func DefaultMediaCodecs() []webrtc.RTPCodecCapability {
	return []webrtc.RTPCodecCapability{
		{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		},
		{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
	}
}
