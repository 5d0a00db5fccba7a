// Package config loads process configuration for a read-marker sender from a
// TOML file and READMARKER_ environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	readmarker "github.com/rbaliyan/event-readmarker"
	"github.com/rbaliyan/event-readmarker/persistent"
	"github.com/rbaliyan/event-readmarker/sqlitestore"
	eventerrors "github.com/rbaliyan/event/v3/errors"
	"github.com/spf13/viper"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Supported message store backends.
const (
	BackendMongoDB = "mongodb"
	BackendSQLite  = "sqlite"
)

// EnvConfig names the environment variable holding an explicit config file path.
const EnvConfig = "READMARKER_CONFIG"

// ErrUnknownBackend is returned for a backend other than mongodb or sqlite.
var ErrUnknownBackend = fmt.Errorf("unknown store backend: %w", eventerrors.ErrInvalidArgument)

// Config holds application configuration.
type Config struct {
	Backend string       `mapstructure:"backend"`
	MongoDB MongoConfig  `mapstructure:"mongodb"`
	SQLite  SQLiteConfig `mapstructure:"sqlite"`
	Sender  SenderConfig `mapstructure:"sender"`
	Log     LogConfig    `mapstructure:"log"`
}

// MongoConfig holds MongoDB store settings.
type MongoConfig struct {
	URI          string        `mapstructure:"uri"`
	Database     string        `mapstructure:"database"`
	Collection   string        `mapstructure:"collection"`
	TTL          time.Duration `mapstructure:"ttl"`
	Transactions bool          `mapstructure:"transactions"`
}

// SQLiteConfig holds sqlite settings.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// SenderConfig holds debounce and delivery settings.
type SenderConfig struct {
	QuietWindow    time.Duration `mapstructure:"quiet_window"`
	FireTimeout    time.Duration `mapstructure:"fire_timeout"`
	IdleEviction   time.Duration `mapstructure:"idle_eviction"`
	DeliveryBuffer int           `mapstructure:"delivery_buffer"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

// Load reads configuration from file and env. Env var overrides use prefix
// READMARKER_, with dots replaced by underscores (READMARKER_SENDER_QUIET_WINDOW).
func Load() (Config, error) {
	v := viper.New()

	// default values
	v.SetDefault("backend", BackendSQLite)
	v.SetDefault("mongodb.uri", "mongodb://localhost:27017")
	v.SetDefault("mongodb.database", "chat")
	v.SetDefault("mongodb.collection", "messages")
	v.SetDefault("mongodb.ttl", time.Duration(0))
	v.SetDefault("mongodb.transactions", true)
	v.SetDefault("sqlite.path", filepath.Join(os.Getenv("HOME"), ".local", "share", "readmarker", "messages.db"))
	v.SetDefault("sender.quiet_window", readmarker.DefaultQuietWindow)
	v.SetDefault("sender.fire_timeout", readmarker.DefaultFireTimeout)
	v.SetDefault("sender.idle_eviction", time.Duration(0))
	v.SetDefault("sender.delivery_buffer", readmarker.DefaultDeliveryBuffer)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetConfigType("toml")

	cfgPath := os.Getenv(EnvConfig)
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "readmarker"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("READMARKER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		// A missing default file is fine; an explicit path must exist and parse.
		if cfgPath != "" {
			return Config{}, fmt.Errorf("read config %s: %w", cfgPath, err)
		}
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the backend and durations.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMongoDB, BackendSQLite:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend)
	}
	if c.Sender.QuietWindow < 0 || c.Sender.FireTimeout < 0 || c.Sender.IdleEviction < 0 {
		return fmt.Errorf("negative sender duration: %w", eventerrors.ErrInvalidArgument)
	}
	return nil
}

// Logger builds the process logger from the log settings.
// An unknown level falls back to info.
func (c Config) Logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// Options maps the sender settings onto readmarker options.
func (c Config) Options() []readmarker.Option {
	return []readmarker.Option{
		readmarker.WithQuietWindow(c.Sender.QuietWindow),
		readmarker.WithFireTimeout(c.Sender.FireTimeout),
		readmarker.WithIdleEviction(c.Sender.IdleEviction),
		readmarker.WithDeliveryBuffer(c.Sender.DeliveryBuffer),
	}
}

// appendStore is implemented by both backends.
type appendStore interface {
	readmarker.MessageStore
	Append(ctx context.Context, msg readmarker.Message) error
}

// Store is an opened message store together with the function releasing it.
type Store struct {
	appendStore
	close func(context.Context) error
}

// Close releases the underlying database connection.
func (s *Store) Close(ctx context.Context) error {
	if s == nil || s.close == nil {
		return nil
	}
	return s.close(ctx)
}

// OpenStore opens the configured backend and prepares its schema or indexes.
func (c Config) OpenStore(ctx context.Context) (*Store, error) {
	switch c.Backend {
	case BackendMongoDB:
		return c.openMongo(ctx)
	case BackendSQLite:
		return c.openSQLite(ctx)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend)
	}
}

func (c Config) openMongo(ctx context.Context) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(c.MongoDB.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}

	var opts []persistent.StoreOption
	if c.MongoDB.TTL > 0 {
		opts = append(opts, persistent.WithTTL(c.MongoDB.TTL))
	}
	if !c.MongoDB.Transactions {
		opts = append(opts, persistent.WithoutTransactions())
	}

	store, err := persistent.NewStore(client.Database(c.MongoDB.Database).Collection(c.MongoDB.Collection), opts...)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	if err := store.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return &Store{appendStore: store, close: client.Disconnect}, nil
}

func (c Config) openSQLite(ctx context.Context) (*Store, error) {
	if dir := filepath.Dir(c.SQLite.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir sqlite dir: %w", err)
		}
	}
	db, err := sqlitestore.Open(c.SQLite.Path)
	if err != nil {
		return nil, err
	}
	store, err := sqlitestore.New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{
		appendStore: store,
		close:       func(context.Context) error { return db.Close() },
	}, nil
}
