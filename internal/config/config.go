package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var (
	ErrInvalidBackoff = errors.New("RECONNECT_MIN must not exceed RECONNECT_MAX")
	ErrMissingDbName  = errors.New("MONGODB_DATABASE is required when MONGODB_URI is set")
)

type Config struct {
	ApiUrl      string
	WsUrl       string
	AccessToken string
	UserId      string

	RedisAddr string
	ClientId  string

	MongoUri      string
	MongoDatabase string

	ListenAddr    string
	ControlSecret string
	LogLevel      string

	DedupWindow    time.Duration
	PendingTimeout time.Duration
	TypingInterval time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration

	// EnvFileErr is set when the .env file could not be loaded. It is not
	// fatal: the process environment still applies.
	EnvFileErr error
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("API_URL", "http://localhost:3000/api")
	v.SetDefault("WS_URL", "ws://localhost:3000/ws")
	v.SetDefault("LISTEN_ADDR", "127.0.0.1:8090")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DEDUP_WINDOW", "0s")
	v.SetDefault("PENDING_TIMEOUT", "30s")
	v.SetDefault("TYPING_INTERVAL", "2s")
	v.SetDefault("RECONNECT_MIN", "1s")
	v.SetDefault("RECONNECT_MAX", "30s")
}

// Load reads envFiles (".env" when none are given) into the environment and
// builds the configuration from it.
func Load(envFiles ...string) (Config, error) {
	envErr := godotenv.Load(envFiles...)

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := Config{
		ApiUrl:      v.GetString("API_URL"),
		WsUrl:       v.GetString("WS_URL"),
		AccessToken: v.GetString("ACCESS_TOKEN"),
		UserId:      v.GetString("USER_ID"),

		RedisAddr: v.GetString("REDIS_ADDR"),
		ClientId:  v.GetString("CLIENT_ID"),

		MongoUri:      v.GetString("MONGODB_URI"),
		MongoDatabase: v.GetString("MONGODB_DATABASE"),

		ListenAddr:    v.GetString("LISTEN_ADDR"),
		ControlSecret: v.GetString("CONTROL_SECRET"),
		LogLevel:      v.GetString("LOG_LEVEL"),

		DedupWindow:    v.GetDuration("DEDUP_WINDOW"),
		PendingTimeout: v.GetDuration("PENDING_TIMEOUT"),
		TypingInterval: v.GetDuration("TYPING_INTERVAL"),
		ReconnectMin:   v.GetDuration("RECONNECT_MIN"),
		ReconnectMax:   v.GetDuration("RECONNECT_MAX"),

		EnvFileErr: envErr,
	}
	if cfg.ClientId == "" {
		cfg.ClientId = uuid.NewString()
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ReconnectMin > c.ReconnectMax {
		return ErrInvalidBackoff
	}
	if c.MongoUri != "" && c.MongoDatabase == "" {
		return ErrMissingDbName
	}
	return nil
}

func (c Config) UseRedis() bool {
	return c.RedisAddr != ""
}

func (c Config) UseMongo() bool {
	return c.MongoUri != ""
}
