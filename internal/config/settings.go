package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"magg/internal/api"
	"magg/pkg/logging"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Settings are the process-level knobs, distinct from the server catalog.
// Values come from settings.yaml in the config directory, overridden by
// environment variables.
type Settings struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	ConfigDir string `yaml:"-"`

	SelfPrefix string `yaml:"selfPrefix"`
	Separator  string `yaml:"prefixSep"`

	AutoReload         bool          `yaml:"autoReload"`
	ReloadPollInterval time.Duration `yaml:"reloadPollInterval"`
	ReloadUseWatchdog  string        `yaml:"reloadUseWatchdog"` // on, off, auto
	ReadOnly           bool          `yaml:"readOnly"`

	StderrShow bool `yaml:"stderrShow"`

	// PrivateKey is PEM material overriding the key file. Auth is disabled
	// when neither is present.
	PrivateKey string `yaml:"-"`

	// JWT is a bearer token attached to outbound HTTP backend transports.
	JWT string `yaml:"-"`

	// NotifyLogRate caps forwarded log notifications per backend, events
	// per second with NotifyLogBurst headroom.
	NotifyLogRate  float64 `yaml:"notifyLogRate"`
	NotifyLogBurst int     `yaml:"notifyLogBurst"`
}

const defaultConfigDirName = ".config/magg"

// DefaultConfigDir returns the per-user configuration directory.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, defaultConfigDirName), nil
}

// LoadSettings resolves settings for configDir: defaults, then
// settings.yaml if present, then environment variables.
func LoadSettings(configDir string) (*Settings, error) {
	settings := &Settings{
		Host:               "localhost",
		Port:               8090,
		LogLevel:           "info",
		ConfigDir:          configDir,
		SelfPrefix:         api.DefaultSelfPrefix,
		Separator:          api.DefaultSeparator,
		AutoReload:         true,
		ReloadPollInterval: time.Second,
		ReloadUseWatchdog:  "auto",
		NotifyLogRate:      10,
		NotifyLogBurst:     20,
	}

	path := filepath.Join(configDir, api.SettingsFileName)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, settings); err != nil {
			return nil, api.Validationf("settings %s: %v", path, err)
		}
		logging.Info("ConfigStore", "Loaded settings from %s", path)
	case os.IsNotExist(err):
		logging.Debug("ConfigStore", "No settings file at %s, using defaults", path)
	default:
		return nil, fmt.Errorf("failed to read settings %s: %w", path, err)
	}

	applyEnv(settings)

	if !isIdentifier(settings.SelfPrefix) {
		return nil, api.Validationf("self prefix %q is not a valid identifier", settings.SelfPrefix)
	}
	switch settings.ReloadUseWatchdog {
	case "on", "off", "auto":
	default:
		return nil, api.Validationf("reload watchdog mode must be on, off or auto, got %q", settings.ReloadUseWatchdog)
	}
	return settings, nil
}

// applyEnv overlays the recognized environment variables. They are bound
// through viper; a variable set to the empty string counts as unset.
func applyEnv(settings *Settings) {
	v := viper.New()
	for _, key := range []string{
		"AUTO_RELOAD", "RELOAD_POLL_INTERVAL", "RELOAD_USE_WATCHDOG",
		"READ_ONLY", "PRIVATE_KEY", "JWT", "SELF_PREFIX", "PREFIX_SEP", "STDERR_SHOW",
	} {
		_ = v.BindEnv(key)
	}

	if v.IsSet("AUTO_RELOAD") {
		settings.AutoReload = v.GetBool("AUTO_RELOAD")
	}
	if v.IsSet("RELOAD_POLL_INTERVAL") {
		if secs := v.GetFloat64("RELOAD_POLL_INTERVAL"); secs > 0 {
			settings.ReloadPollInterval = time.Duration(secs * float64(time.Second))
		}
	}
	if v.IsSet("RELOAD_USE_WATCHDOG") {
		settings.ReloadUseWatchdog = v.GetString("RELOAD_USE_WATCHDOG")
	}
	if v.IsSet("READ_ONLY") {
		settings.ReadOnly = v.GetBool("READ_ONLY")
	}
	if v.IsSet("PRIVATE_KEY") {
		settings.PrivateKey = v.GetString("PRIVATE_KEY")
	}
	if v.IsSet("JWT") {
		settings.JWT = v.GetString("JWT")
	}
	if v.IsSet("SELF_PREFIX") {
		settings.SelfPrefix = v.GetString("SELF_PREFIX")
	}
	if v.IsSet("PREFIX_SEP") {
		settings.Separator = v.GetString("PREFIX_SEP")
	}
	if v.IsSet("STDERR_SHOW") {
		settings.StderrShow = v.GetBool("STDERR_SHOW")
	}
}

// CatalogPath returns the catalog file location under the config dir.
func (s *Settings) CatalogPath() string {
	return filepath.Join(s.ConfigDir, api.CatalogFileName)
}

// KitDir returns the kit bundle directory under the config dir.
func (s *Settings) KitDir() string {
	return filepath.Join(s.ConfigDir, api.KitDirName)
}

// PrivateKeyPath returns the RSA key file location under the config dir.
func (s *Settings) PrivateKeyPath() string {
	return filepath.Join(s.ConfigDir, api.PrivateKeyFileName)
}
