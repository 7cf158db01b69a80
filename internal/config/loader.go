package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/3leaps/gobatch/pkg/job"
)

// AppName names the config and data directories.
const AppName = "gobatch"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GOBATCH"

var (
	configMu   sync.RWMutex
	appConfig  *Config
	configFile string
)

// SetConfigFile selects an explicit config file for subsequent loads. An
// explicit file must exist; the default location is optional.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// envSpec maps a short environment variable onto a config key.
type envSpec struct {
	Name string
	Path string
}

var envShortcuts = []envSpec{
	{"LOG_LEVEL", "logging.level"},
	{"HOST", "server.host"},
	{"PORT", "server.port"},
	{"READ_TIMEOUT", "server.read_timeout"},
	{"WRITE_TIMEOUT", "server.write_timeout"},
	{"IDLE_TIMEOUT", "server.idle_timeout"},
	{"SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
	{"SESSION_DIR", "session.dir"},
	{"SESSION_STORE", "session.store"},
	{"POLL_INTERVAL", "poll.interval"},
	{"POLL_RATE_LIMIT", "poll.rate_limit"},
	{"S3_REGION", "staging.s3.region"},
	{"S3_ENDPOINT", "staging.s3.endpoint"},
	{"S3_PROFILE", "staging.s3.profile"},
}

func getEnvSpecs() []envSpec {
	specs := make([]envSpec, len(envShortcuts))
	for i, s := range envShortcuts {
		specs[i] = envSpec{Name: EnvPrefix + "_" + s.Name, Path: s.Path}
	}
	return specs
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")

	v.SetDefault("session.dir", filepath.Join(gfconfig.GetAppDataDir(AppName), "session"))
	v.SetDefault("session.store", "sqlite")

	v.SetDefault("poll.interval", "30s")
	v.SetDefault("poll.rate_limit", 0)
	v.SetDefault("poll.burst", 1)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
}

// defaultConfigPath is $XDG_CONFIG_HOME/gobatch/config.yaml.
func defaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		var err error
		if dir, err = os.UserConfigDir(); err != nil {
			return ""
		}
	}
	return filepath.Join(dir, AppName, "config.yaml")
}

// Load builds the configuration from defaults, the config file, environment
// and the given overrides (later overrides win), validates it and makes it
// the current configuration.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.RLock()
	explicit := configFile
	configMu.RUnlock()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	if err := readConfigFile(v, explicit); err != nil {
		return nil, err
	}

	// Set has the highest precedence in viper, above environment.
	for _, o := range overrides {
		for key, value := range flatten("", o) {
			v.Set(key, value)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, job.WrapCause(job.ErrConfiguration, err, "decode configuration")
	}
	for name, r := range cfg.Resources {
		r.Name = name
		cfg.Resources[name] = r
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = cfg
	configMu.Unlock()
	return cfg, nil
}

func readConfigFile(v *viper.Viper, explicit string) error {
	path := explicit
	if path == "" {
		path = defaultConfigPath()
		if path == "" {
			return nil
		}
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return nil
		}
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return job.WrapCause(job.ErrConfiguration, err, "read config file %s", path)
	}
	return nil
}

// flatten turns nested override maps into dotted keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := m[k].(map[string]any); ok && len(nested) > 0 {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = m[k]
	}
	return out
}

// GetConfig returns the configuration from the last successful Load, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

var (
	durationType = reflect.TypeOf(time.Duration(0))
	memoryType   = reflect.TypeOf(job.Memory(0))
)

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationHook,
		memoryHook,
		mapstructure.StringToSliceHookFunc(","),
	)
}

// durationHook accepts Go durations, "30 minutes" style strings and bare
// numbers of seconds.
func durationHook(from, to reflect.Type, data any) (any, error) {
	if to != durationType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return job.ParseDuration(v)
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	}
	return data, nil
}

// memoryHook accepts "2GiB" style strings and plain byte counts.
func memoryHook(from, to reflect.Type, data any) (any, error) {
	if to != memoryType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return job.ParseMemory(v)
	case int:
		return job.Memory(v), nil
	case int64:
		return job.Memory(v), nil
	case float64:
		return job.Memory(v), nil
	}
	return data, nil
}
