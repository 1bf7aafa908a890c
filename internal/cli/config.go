package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"
	"go.uber.org/zap"

	"github.com/calvinalkan/hashdb/pkg/hashdb"
)

// Config holds all configuration options.
type Config struct {
	// From config files (serialized)
	DB              string `json:"db"`
	BlockSize       int    `json:"block_size,omitempty"`
	CacheSize       int    `json:"cache_size,omitempty"`
	IO              string `json:"io,omitempty"`
	FailureAtomic   bool   `json:"failure_atomic,omitempty"`
	Sync            bool   `json:"sync,omitempty"`
	CentralFree     bool   `json:"central_free,omitempty"`
	DisableCoalesce bool   `json:"disable_coalesce,omitempty"`

	// Resolved paths (computed, not serialized)
	EffectiveCwd string `json:"-"` // Absolute working directory (from -C flag or os.Getwd)
	DBAbs        string `json:"-"` // Absolute path to the database file

	// Sources tracks which config files were loaded (for diagnostics)
	Sources ConfigSources `json:"-"`
}

// ConfigSources tracks which config files were loaded.
type ConfigSources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project config if loaded, empty otherwise
}

// fileConfig is the on-disk shape. Pointers tell "unset" from false/zero so
// a project file can switch off what the global file switched on.
type fileConfig struct {
	DB              *string `json:"db"`
	BlockSize       *int    `json:"block_size"`
	CacheSize       *int    `json:"cache_size"`
	IO              *string `json:"io"`
	FailureAtomic   *bool   `json:"failure_atomic"`
	Sync            *bool   `json:"sync"`
	CentralFree     *bool   `json:"central_free"`
	DisableCoalesce *bool   `json:"disable_coalesce"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		DB: "data.hdb",
		IO: "mmap",
	}
}

// ConfigFileName is the default project config file name.
const ConfigFileName = ".hdbtool.json"

// getGlobalConfigPath returns the path to the global config file.
// Uses $XDG_CONFIG_HOME/hdbtool/config.json if set, otherwise
// ~/.config/hdbtool/config.json. Returns empty string if home directory
// cannot be determined.
func getGlobalConfigPath(env map[string]string) string {
	if xdgConfig := env["XDG_CONFIG_HOME"]; xdgConfig != "" {
		return filepath.Join(xdgConfig, "hdbtool", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "hdbtool", "config.json")
	}

	return ""
}

// LoadConfigInput holds the inputs for LoadConfig.
type LoadConfigInput struct {
	WorkDirOverride string            // -C/--cwd flag value; if empty, os.Getwd() is used
	ConfigPath      string            // -c/--config flag value
	DBOverride      string            // -d/--db flag value; empty means no override
	HasDBOverride   bool              // --db was given, even if empty
	Env             map[string]string // environment variables
}

// LoadConfig loads configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config ($XDG_CONFIG_HOME/hdbtool/config.json)
// 3. Project config file at default location (.hdbtool.json, if exists)
// 4. Explicit config file via configPath (if non-empty)
// 5. CLI overrides.
//
// All paths in the returned Config are resolved to absolute paths.
func LoadConfig(input LoadConfigInput) (Config, error) {
	workDir := input.WorkDirOverride
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	cfg := DefaultConfig()

	globalPath := getGlobalConfigPath(input.Env)
	if globalPath != "" {
		globalCfg, loaded, err := loadConfigFile(globalPath, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg = mergeConfig(cfg, globalCfg)
			cfg.Sources.Global = globalPath
		}
	}

	projectCfg, projectPath, err := loadProjectConfig(workDir, input.ConfigPath)
	if err != nil {
		return Config{}, err
	}

	if projectPath != "" {
		cfg = mergeConfig(cfg, projectCfg)
		cfg.Sources.Project = projectPath
	}

	if input.HasDBOverride {
		cfg.DB = input.DBOverride
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	cfg.EffectiveCwd = workDir
	cfg.DBAbs = resolvePath(workDir, cfg.DB)

	return cfg, nil
}

// loadProjectConfig loads the project config file (.hdbtool.json) or an
// explicit config file. Returns the config, the path if loaded, and any error.
func loadProjectConfig(workDir, configPath string) (fileConfig, string, error) {
	if configPath == "" {
		cfgFile := filepath.Join(workDir, ConfigFileName)

		fileCfg, loaded, err := loadConfigFile(cfgFile, false)
		if err != nil || !loaded {
			return fileConfig{}, "", err
		}

		return fileCfg, cfgFile, nil
	}

	cfgFile := resolvePath(workDir, configPath)

	// Check existence first to provide a clear "not found" error
	if _, statErr := os.Stat(cfgFile); statErr != nil {
		return fileConfig{}, "", fmt.Errorf("%w: %s", ErrConfigFileNotFound, configPath)
	}

	fileCfg, _, err := loadConfigFile(cfgFile, true)
	if err != nil {
		return fileConfig{}, "", err
	}

	return fileCfg, cfgFile, nil
}

// loadConfigFile loads a config file. If mustExist is false, missing files
// return a zero config and loaded=false.
func loadConfigFile(path string, mustExist bool) (fileConfig, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return fileConfig{}, false, nil
		}

		return fileConfig{}, false, fmt.Errorf("%w: %s", ErrConfigFileRead, path)
	}

	cfg, parseErr := parseConfig(data)
	if parseErr != nil {
		return fileConfig{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, parseErr)
	}

	if cfg.DB != nil && *cfg.DB == "" {
		return fileConfig{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, ErrDBPathEmpty)
	}

	return cfg, true, nil
}

func parseConfig(data []byte) (fileConfig, error) {
	// Standardize JSONC to JSON
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fileConfig{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg fileConfig

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return fileConfig{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

func mergeConfig(base Config, overlay fileConfig) Config {
	if overlay.DB != nil {
		base.DB = *overlay.DB
	}

	if overlay.BlockSize != nil {
		base.BlockSize = *overlay.BlockSize
	}

	if overlay.CacheSize != nil {
		base.CacheSize = *overlay.CacheSize
	}

	if overlay.IO != nil {
		base.IO = *overlay.IO
	}

	if overlay.FailureAtomic != nil {
		base.FailureAtomic = *overlay.FailureAtomic
	}

	if overlay.Sync != nil {
		base.Sync = *overlay.Sync
	}

	if overlay.CentralFree != nil {
		base.CentralFree = *overlay.CentralFree
	}

	if overlay.DisableCoalesce != nil {
		base.DisableCoalesce = *overlay.DisableCoalesce
	}

	return base
}

func validateConfig(cfg Config) error {
	if cfg.DB == "" {
		return ErrDBPathEmpty
	}

	if _, err := parseIOBackend(cfg.IO); err != nil {
		return err
	}

	return nil
}

func parseIOBackend(s string) (hashdb.IOBackend, error) {
	switch s {
	case "", "mmap":
		return hashdb.IOMmap, nil
	case "direct":
		return hashdb.IODirect, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidIO, s)
	}
}

// Options converts the config into engine options. Invalid sizes are left
// for [hashdb.Open] to reject.
func (c *Config) Options(log *zap.Logger) hashdb.Options {
	backend, _ := parseIOBackend(c.IO)

	return hashdb.Options{
		BlockSize:       c.BlockSize,
		CacheSize:       c.CacheSize,
		IO:              backend,
		FailureAtomic:   c.FailureAtomic,
		Sync:            c.Sync,
		CentralFree:     c.CentralFree,
		DisableCoalesce: c.DisableCoalesce,
		Logger:          log,
	}
}

func resolvePath(workDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(workDir, path)
}
