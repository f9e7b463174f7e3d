package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	Platform   PlatformConfig   `mapstructure:"platform"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Bot        BotConfig        `mapstructure:"bot"`
	Categories []CategoryConfig `mapstructure:"categories"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Expire int    `mapstructure:"expire"` // hours
}

// PlatformConfig points at the remote quiz platform.
type PlatformConfig struct {
	APIBase     string `mapstructure:"apiBase"` // room-creation HTTP API
	BotNickname string `mapstructure:"botNickname"`
	GameType    string `mapstructure:"gameType"`
}

type QueueConfig struct {
	Countdown     time.Duration `mapstructure:"countdown"`     // starts at >=2 players
	HeartbeatTTL  time.Duration `mapstructure:"heartbeatTTL"`  // entry evicted when stale
	SweepInterval time.Duration `mapstructure:"sweepInterval"` // background sweep tick
}

type BotConfig struct {
	Binary      string `mapstructure:"binary"`      // matchbot executable path
	CallbackURL string `mapstructure:"callbackURL"` // base of the internal match callback endpoints
	MaxSessions int    `mapstructure:"maxSessions"` // soft cap on live matches
}

// CategoryConfig is one entry of the static category/mode catalog.
type CategoryConfig struct {
	Tag           string        `mapstructure:"tag"` // e.g. GP_FR
	Name          string        `mapstructure:"name"`
	DictionaryID  string        `mapstructure:"dictionaryId"`
	ScoreGoal     int           `mapstructure:"scoreGoal"`
	RoundDuration int           `mapstructure:"roundDuration"` // seconds
	TagOps        []TagOpConfig `mapstructure:"tagOps"`        // question tag filters
}

// TagOpConfig is one question tag filter applied when configuring a room.
type TagOpConfig struct {
	Op  string `mapstructure:"op"` // add/remove
	Tag string `mapstructure:"tag"`
}

var GlobalConfig *Config

func LoadConfig(path string) {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		log.Fatalf("Error reading config file, %s", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		log.Fatalf("Unable to decode into struct, %v", err)
	}
	applyDefaults(&cfg)
	GlobalConfig = &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Queue.Countdown <= 0 {
		cfg.Queue.Countdown = 30 * time.Second
	}
	if cfg.Queue.HeartbeatTTL <= 0 {
		cfg.Queue.HeartbeatTTL = 45 * time.Second
	}
	if cfg.Queue.SweepInterval <= 0 {
		cfg.Queue.SweepInterval = time.Second
	}
	if cfg.Bot.MaxSessions <= 0 {
		cfg.Bot.MaxSessions = 16
	}
	if cfg.Platform.GameType == "" {
		cfg.Platform.GameType = "popsauce"
	}
}

// Category looks up a catalog entry by tag.
func (c *Config) Category(tag string) *CategoryConfig {
	for i := range c.Categories {
		if c.Categories[i].Tag == tag {
			return &c.Categories[i]
		}
	}
	return nil
}
