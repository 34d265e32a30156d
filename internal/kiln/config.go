package kiln

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// ConfigFile is read when no other path is given.
var ConfigFile = "/etc/kiln.conf"

// Config holds everything the orchestrator needs. It is built once and
// passed explicitly to every component.
type Config struct {
	Values map[string]string

	Root        string
	BuildRoot   string
	CacheDir    string
	SourcesDir  string
	LogDir      string
	RecipePaths []string

	NDK        string
	APILevel   int
	Compiler   string // gcc or clang
	HostPython string
	Cython     string
	Git        string
	Patch      string

	Jobs      int
	FetchJobs int
	Strip     bool
	Idle      bool // run build commands under nice -n 19
	Debug     bool
	Verbose   bool

	Remote RemoteConfig
}

// RemoteConfig describes the optional S3 compatible artifact tier.
type RemoteConfig struct {
	Enabled         bool
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	Endpoint        string
}

// loadConfigValues reads a KEY=VALUE file. A missing file is not an error.
func loadConfigValues(path string) (map[string]string, error) {
	values := make(map[string]string)

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return values, nil
		}
		return nil, fmt.Errorf("open config %s: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		val = strings.Trim(val, `"'`)
		values[key] = val
	}
	if err := scanner.Err(); err != nil {
		return values, fmt.Errorf("read config %s: %w", path, err)
	}
	return values, nil
}

// Merge KILN_* and R2_* env overrides
func mergeEnvOverrides(values map[string]string, environ []string) {
	for _, env := range environ {
		if !strings.HasPrefix(env, "KILN_") && !strings.HasPrefix(env, "R2_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 {
			values[parts[0]] = parts[1]
		}
	}

	// ANDROID_NDK_HOME is the conventional location, use it when nothing
	// more specific was given.
	if _, ok := values["KILN_NDK"]; !ok {
		for _, env := range environ {
			if v, ok := strings.CutPrefix(env, "ANDROID_NDK_HOME="); ok && v != "" {
				values["KILN_NDK"] = v
			}
		}
	}
}

// LoadConfig reads path (ConfigFile when empty), applies environment
// overrides and returns the resulting Config.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = ConfigFile
		if root := os.Getenv("KILN_ROOT"); root != "" {
			if _, err := os.Stat(filepath.Join(root, "etc", "kiln.conf")); err == nil {
				path = filepath.Join(root, "etc", "kiln.conf")
			}
		}
	}
	values, err := loadConfigValues(path)
	if err != nil {
		return nil, err
	}
	mergeEnvOverrides(values, os.Environ())
	return NewConfig(values)
}

// NewConfig applies defaults to values. It never touches the process
// environment, tests call it directly.
func NewConfig(values map[string]string) (*Config, error) {
	if values == nil {
		values = make(map[string]string)
	}
	cfg := &Config{Values: values}

	cfg.Root = valueOr(values, "KILN_ROOT", "/var/lib/kiln")
	cfg.BuildRoot = valueOr(values, "KILN_BUILD_ROOT", filepath.Join(cfg.Root, "build"))
	cfg.CacheDir = valueOr(values, "KILN_CACHE_DIR", filepath.Join(cfg.Root, "cache"))
	cfg.SourcesDir = valueOr(values, "KILN_SOURCES_DIR", filepath.Join(cfg.CacheDir, "sources"))
	cfg.LogDir = valueOr(values, "KILN_LOG_DIR", filepath.Join(cfg.Root, "logs"))

	for _, p := range strings.Split(values["KILN_PATH"], ":") {
		if p = strings.TrimSpace(p); p != "" {
			cfg.RecipePaths = append(cfg.RecipePaths, p)
		}
	}

	cfg.NDK = values["KILN_NDK"]
	cfg.HostPython = valueOr(values, "KILN_HOSTPYTHON", "python3")
	cfg.Cython = valueOr(values, "KILN_CYTHON", "cython")
	cfg.Git = valueOr(values, "KILN_GIT", "git")
	cfg.Patch = valueOr(values, "KILN_PATCH", "patch")

	cfg.Compiler = valueOr(values, "KILN_COMPILER", "gcc")
	if cfg.Compiler != "gcc" && cfg.Compiler != "clang" {
		return nil, fmt.Errorf("KILN_COMPILER must be gcc or clang, got %q", cfg.Compiler)
	}

	var err error
	if cfg.APILevel, err = intValue(values, "KILN_API", 21); err != nil {
		return nil, err
	}
	if cfg.Jobs, err = intValue(values, "KILN_JOBS", runtime.NumCPU()); err != nil {
		return nil, err
	}
	if cfg.FetchJobs, err = intValue(values, "KILN_FETCH_JOBS", 2*runtime.NumCPU()); err != nil {
		return nil, err
	}
	if cfg.Jobs < 1 {
		cfg.Jobs = 1
	}
	if cfg.FetchJobs < 1 {
		cfg.FetchJobs = 1
	}

	cfg.Strip = values["KILN_STRIP"] != "0"
	cfg.Idle = values["KILN_IDLE"] == "1"
	cfg.Debug = values["KILN_DEBUG"] == "1"
	cfg.Verbose = values["KILN_VERBOSE"] == "1"

	cfg.Remote = RemoteConfig{
		Enabled:         values["KILN_REMOTE_CACHE"] == "1",
		AccountID:       values["R2_ACCOUNT_ID"],
		AccessKeyID:     values["R2_ACCESS_KEY_ID"],
		SecretAccessKey: values["R2_SECRET_ACCESS_KEY"],
		Bucket:          values["R2_BUCKET_NAME"],
		Endpoint:        values["R2_ENDPOINT"],
	}
	if cfg.Remote.Enabled && cfg.Remote.Bucket == "" {
		return nil, fmt.Errorf("KILN_REMOTE_CACHE=1 requires R2_BUCKET_NAME")
	}

	return cfg, nil
}

// BuildDir is the exclusive working directory of recipe on arch.
func (c *Config) BuildDir(arch, recipe string) string {
	return filepath.Join(c.BuildRoot, arch, recipe)
}

// LogPath is where the compressed build log of recipe on arch ends up.
func (c *Config) LogPath(arch, recipe string) string {
	return filepath.Join(c.LogDir, arch, recipe+".log.xz")
}

// ArtifactsDir is the root of the local artifact store.
func (c *Config) ArtifactsDir() string {
	return filepath.Join(c.CacheDir, "artifacts")
}

func valueOr(values map[string]string, key, def string) string {
	if v := values[key]; v != "" {
		return v
	}
	return def
}

func intValue(values map[string]string, key string, def int) (int, error) {
	v := values[key]
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q", key, v)
	}
	return n, nil
}
