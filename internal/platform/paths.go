package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// DefaultAppName names the config and data directories.
const DefaultAppName = "tally"

// ExportDirEnv overrides where exports land when no output path is given.
const ExportDirEnv = "TALLY_EXPORT_DIR"

// Paths holds the resolved per-user locations.
type Paths struct {
	ConfigPath string
	DataDir    string
	DBPath     string
	// ExportDir receives export and backup files written without an explicit path.
	ExportDir string
}

// ExportFile returns the default location for an export named stem.
func (p Paths) ExportFile(stem, ext string) string {
	stem = strings.TrimSpace(stem)
	if stem == "" {
		stem = "export"
	}
	return filepath.Join(p.ExportDir, stem+"."+strings.TrimPrefix(ext, "."))
}

// Options selects the app directory name.
type Options struct {
	AppName string
	// DevMode keeps dev runs out of the real counting database.
	DevMode bool
}

// baseDirEnv names the variables that replace the config and data bases on one OS.
type baseDirEnv struct {
	config string
	data   string
}

var baseDirEnvByOS = map[string]baseDirEnv{
	"linux":   {config: "XDG_CONFIG_HOME", data: "XDG_DATA_HOME"},
	"windows": {config: "APPDATA", data: "LOCALAPPDATA"},
}

// DefaultPaths returns default paths.
func DefaultPaths() (Paths, error) {
	return DefaultPathsWithOptions(Options{AppName: DefaultAppName})
}

// DefaultPathsWithOptions resolves paths for the running OS and environment.
func DefaultPathsWithOptions(opts Options) (Paths, error) {
	appName := strings.TrimSpace(opts.AppName)
	if appName == "" {
		appName = DefaultAppName
	}
	if opts.DevMode {
		appName += "-dev"
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return Paths{}, fmt.Errorf("user config dir: %w", err)
	}
	dataDir := configDir
	if runtime.GOOS == "linux" {
		home, homeErr := os.UserHomeDir()
		if homeErr != nil {
			return Paths{}, fmt.Errorf("user home dir: %w", homeErr)
		}
		dataDir = filepath.Join(home, ".local", "share")
	}

	env := map[string]string{ExportDirEnv: os.Getenv(ExportDirEnv)}
	if names, ok := baseDirEnvByOS[runtime.GOOS]; ok {
		env[names.config] = os.Getenv(names.config)
		env[names.data] = os.Getenv(names.data)
	}
	return PathsFor(runtime.GOOS, env, configDir, dataDir, appName)
}

// PathsFor resolves paths for goos from env and the base directories. The
// database is <data>/<app>/<app>.db and exports default to <data>/<app>/exports.
func PathsFor(goos string, env map[string]string, userConfigDir, userDataDir, appName string) (Paths, error) {
	if userConfigDir == "" || userDataDir == "" {
		return Paths{}, fmt.Errorf("empty base dirs")
	}
	appName = strings.TrimSpace(appName)
	if appName == "" {
		return Paths{}, fmt.Errorf("empty app name")
	}

	configBase, dataBase := userConfigDir, userDataDir
	if names, ok := baseDirEnvByOS[goos]; ok {
		if v := strings.TrimSpace(env[names.config]); v != "" {
			configBase = v
		}
		if v := strings.TrimSpace(env[names.data]); v != "" {
			dataBase = v
		}
	}

	appDataDir := filepath.Join(dataBase, appName)
	exportDir := filepath.Join(appDataDir, "exports")
	if v := strings.TrimSpace(env[ExportDirEnv]); v != "" {
		exportDir = filepath.Clean(v)
	}
	return Paths{
		ConfigPath: filepath.Join(configBase, appName, "config.toml"),
		DataDir:    appDataDir,
		DBPath:     filepath.Join(appDataDir, appName+".db"),
		ExportDir:  exportDir,
	}, nil
}
