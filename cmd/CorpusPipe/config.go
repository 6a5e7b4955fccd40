package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/CorpusPipe/internal/command"
	"github.com/BTreeMap/CorpusPipe/internal/flow"
	"github.com/BTreeMap/CorpusPipe/internal/messaging"
	"github.com/BTreeMap/CorpusPipe/internal/util"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CorpusPipe state data
	DefaultStateDir = "/var/lib/corpuspipe"
	// DefaultAppDBFileName is the default SQLite database holding the corpus
	DefaultAppDBFileName = "corpuspipe.db"
	// DefaultWhatsAppDBFileName is the default SQLite database of the whatsmeow session
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultSettingsFileName is the optional bot settings file in the state directory
	DefaultSettingsFileName = "settings.yaml"
	// DefaultImageDirName holds learned reply images
	DefaultImageDirName = "images"
	// DefaultMediaDirName holds images published for Twilio to fetch
	DefaultMediaDirName = "media"
)

// Config is the resolved process configuration.
type Config struct {
	StateDir      string
	DatabaseDSN   string
	WhatsAppDBDSN string
	SettingsPath  string
	APIAddr       string
	PublicURL     string
	Platforms     []string
	Admins        []string
	Prefix        string
	prefixSet     bool
	Timeout       time.Duration
	ImageDir      string
	Workers       int

	QROutput    string
	NumericCode bool

	MatrixHomeserver  string
	MatrixUserID      string
	MatrixAccessToken string
	MatrixAutoJoin    bool
}

// Settings is the optional YAML bot settings file. Environment variables and
// flags take precedence over it.
type Settings struct {
	Prefix    *string       `yaml:"prefix"`
	Admins    []string      `yaml:"admins"`
	Timeout   time.Duration `yaml:"timeout"`
	ImageDir  string        `yaml:"image_dir"`
	Platforms []string      `yaml:"platforms"`
	Workers   int           `yaml:"workers"`
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:          os.Getenv("CORPUSPIPE_STATE_DIR"),
		DatabaseDSN:       os.Getenv("DATABASE_DSN"),
		WhatsAppDBDSN:     os.Getenv("WHATSAPP_DB_DSN"),
		SettingsPath:      os.Getenv("CORPUSPIPE_SETTINGS"),
		APIAddr:           os.Getenv("API_ADDR"),
		PublicURL:         os.Getenv("PUBLIC_BASE_URL"),
		Platforms:         util.ParseListEnv("CORPUSPIPE_PLATFORMS"),
		Admins:            util.ParseListEnv("CORPUSPIPE_ADMINS"),
		Timeout:           util.ParseDurationEnv("CORPUSPIPE_TIMEOUT", 0),
		ImageDir:          os.Getenv("CORPUSPIPE_IMAGE_DIR"),
		MatrixHomeserver:  os.Getenv("MATRIX_HOMESERVER"),
		MatrixUserID:      os.Getenv("MATRIX_USER_ID"),
		MatrixAccessToken: os.Getenv("MATRIX_ACCESS_TOKEN"),
		MatrixAutoJoin:    util.ParseBoolEnv("MATRIX_AUTO_JOIN", true),
	}
	config.Prefix, config.prefixSet = os.LookupEnv("CORPUSPIPE_PREFIX")

	// DATABASE_URL is accepted for the corpus database when DATABASE_DSN is unset.
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = os.Getenv("DATABASE_URL")
	}
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}

	slog.Debug("environment variables loaded",
		"CORPUSPIPE_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.DatabaseDSN != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDBDSN != "",
		"CORPUSPIPE_PLATFORMS", config.Platforms,
		"API_ADDR", config.APIAddr,
		"MATRIX_HOMESERVER", config.MatrixHomeserver)
	return config
}

// parseCommandLineFlags applies command line arguments on top of config.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config *Config) error {
	platforms := fs.String("platforms", strings.Join(config.Platforms, ","), "comma-separated transports: whatsapp, twilio, matrix (overrides $CORPUSPIPE_PLATFORMS)")
	admins := fs.String("admins", strings.Join(config.Admins, ","), "comma-separated admin user ids (overrides $CORPUSPIPE_ADMINS)")
	prefix := fs.String("prefix", config.Prefix, "command prefix (overrides $CORPUSPIPE_PREFIX)")
	fs.StringVar(&config.StateDir, "state-dir", config.StateDir, "state directory for CorpusPipe data (overrides $CORPUSPIPE_STATE_DIR)")
	fs.StringVar(&config.DatabaseDSN, "db-dsn", config.DatabaseDSN, "corpus database DSN, SQLite path or PostgreSQL URL (overrides $DATABASE_DSN)")
	fs.StringVar(&config.WhatsAppDBDSN, "whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow session database DSN (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&config.SettingsPath, "settings", config.SettingsPath, "YAML bot settings file (overrides $CORPUSPIPE_SETTINGS)")
	fs.StringVar(&config.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&config.PublicURL, "public-url", config.PublicURL, "public base URL of the API server, used by Twilio (overrides $PUBLIC_BASE_URL)")
	fs.DurationVar(&config.Timeout, "timeout", config.Timeout, "idle timeout of a learn or forget conversation (overrides $CORPUSPIPE_TIMEOUT)")
	fs.StringVar(&config.ImageDir, "image-dir", config.ImageDir, "directory for learned reply images (overrides $CORPUSPIPE_IMAGE_DIR)")
	fs.IntVar(&config.Workers, "workers", config.Workers, "number of per-user event sequencers")
	fs.StringVar(&config.QROutput, "qr-output", "", "path to write WhatsApp login QR code")
	fs.BoolVar(&config.NumericCode, "numeric-code", false, "use numeric WhatsApp login code instead of QR code")

	if err := fs.Parse(args); err != nil {
		return err
	}

	config.Platforms = util.SplitList(*platforms)
	config.Admins = util.SplitList(*admins)
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "prefix" {
			config.Prefix, config.prefixSet = *prefix, true
		}
	})

	slog.Debug("flags parsed",
		"platforms", config.Platforms,
		"stateDir", config.StateDir,
		"dbDSN_set", config.DatabaseDSN != "",
		"apiAddr", config.APIAddr,
		"timeout", config.Timeout)
	return nil
}

// loadSettings reads the YAML settings file. A missing file is only an error
// when its path was given explicitly.
func loadSettings(path string, explicit bool) (Settings, error) {
	var s Settings
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			slog.Debug("no settings file found", "path", path)
			return s, nil
		}
		return s, fmt.Errorf("failed to read settings file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}
	slog.Info("settings file loaded", "path", path, "admins", len(s.Admins))
	return s, nil
}

// resolve loads the settings file and fills every field still unset, first
// from the file, then from built-in defaults.
func (c *Config) resolve() error {
	explicit := c.SettingsPath != ""
	if !explicit {
		c.SettingsPath = filepath.Join(c.StateDir, DefaultSettingsFileName)
	}
	s, err := loadSettings(c.SettingsPath, explicit)
	if err != nil {
		return err
	}

	if !c.prefixSet && s.Prefix != nil {
		c.Prefix, c.prefixSet = *s.Prefix, true
	}
	if len(c.Admins) == 0 {
		c.Admins = s.Admins
	}
	if c.Timeout == 0 {
		c.Timeout = s.Timeout
	}
	if c.ImageDir == "" {
		c.ImageDir = s.ImageDir
	}
	if len(c.Platforms) == 0 {
		c.Platforms = s.Platforms
	}
	if c.Workers == 0 {
		c.Workers = s.Workers
	}

	if !c.prefixSet {
		c.Prefix = command.DefaultPrefix
	}
	if c.Timeout <= 0 {
		c.Timeout = flow.DefaultTimeout
	}
	if c.ImageDir == "" {
		c.ImageDir = filepath.Join(c.StateDir, DefaultImageDirName)
	}
	if len(c.Platforms) == 0 {
		c.Platforms = []string{messaging.PlatformWhatsApp}
	}
	if c.Workers <= 0 {
		c.Workers = messaging.DefaultWorkers
	}
	if c.DatabaseDSN == "" {
		c.DatabaseDSN = filepath.Join(c.StateDir, DefaultAppDBFileName)
	}
	if c.WhatsAppDBDSN == "" {
		c.WhatsAppDBDSN = "file:" + filepath.Join(c.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}

	for _, p := range c.Platforms {
		switch p {
		case messaging.PlatformWhatsApp, messaging.PlatformTwilio, messaging.PlatformMatrix:
		default:
			return fmt.Errorf("unknown platform %q", p)
		}
	}
	return nil
}

// enabled reports whether platform is in the configured list.
func (c *Config) enabled(platform string) bool {
	for _, p := range c.Platforms {
		if p == platform {
			return true
		}
	}
	return false
}

// adminSet returns the admin ids as a lookup set.
func (c *Config) adminSet() map[string]bool {
	set := make(map[string]bool, len(c.Admins))
	for _, a := range c.Admins {
		set[a] = true
	}
	return set
}

// mediaDir is where images published for Twilio are written.
func (c *Config) mediaDir() string {
	return filepath.Join(c.StateDir, DefaultMediaDirName)
}
