package envisage

import (
	"context"

	"github.com/awatters/envisage/internal/config"
	"github.com/awatters/envisage/logging"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Filename of the standard configuration file.
const ConfigFile = "envisage.yaml"

// ConfigKeyInfo contains metadata about a known configuration key.
type ConfigKeyInfo = config.ConfigKeyInfo

// Config is a global koanf instance used to access application level
// configuration options.
//
// Config is loaded in the following order (later sources override earlier):
// 1. Defaults of registered keys (in init())
// 2. Auto-discovered envisage.yaml (in init())
// 3. Environment variables with ENVISAGE__ prefix (in init())
// 4. Additional sources loaded via LoadConfigFile() or LoadConfigDefaults()
//
// Environment variable transformation:
//   - ENVISAGE__APPLICATION__ID → application.id
//   - ENVISAGE__EXTENSIONS__CACHE_SIZE → extensions.cacheSize
var Config = koanf.New(".")

func init() {
	registerCoreConfigKeys()
	if err := Config.Load(confmap.Provider(config.DefaultConfigs(), "."), nil); err != nil {
		panic("error loading config defaults: " + err.Error())
	}

	// Look for an envisage.yaml file in the current directory or any parent.
	if cfg := config.SearchForConfig(ConfigFile, "."); cfg != "" {
		if err := Config.Load(file.Provider(cfg), yaml.Parser()); err != nil {
			panic("error loading config: " + err.Error())
		}
	}

	if err := Config.Load(env.Provider(config.EnvPrefix, ".", config.TransformEnv), nil); err != nil {
		panic("error loading env config: " + err.Error())
	}
}

// RegisterConfigKey registers a known configuration key. Plugins call this to
// document the keys they read. A default is applied unless the key is already
// set.
//
// Example:
//
//	envisage.RegisterConfigKey(envisage.ConfigKeyInfo{
//	    Key:         "acme.motd.path",
//	    Description: "File holding the messages of the day",
//	    Type:        "string",
//	})
func RegisterConfigKey(info ConfigKeyInfo) {
	config.RegisterConfigKey(info)
	config.ApplyDefaults(Config)
}

// RegisterConfigKeys registers multiple configuration keys at once.
func RegisterConfigKeys(infos ...ConfigKeyInfo) {
	config.RegisterConfigKeys(infos...)
	config.ApplyDefaults(Config)
}

// LoadConfigFile loads additional configuration from a YAML file into the
// global Config instance.
func LoadConfigFile(path string) {
	if err := Config.Load(file.Provider(path), yaml.Parser()); err != nil {
		panic("error loading config file '" + path + "': " + err.Error())
	}
}

// LoadConfigDefaults loads default configuration values into the global
// Config instance. Call this before creating the application.
//
// Example:
//
//	envisage.LoadConfigDefaults(map[string]interface{}{
//	    "application.id": "acme.motd",
//	})
func LoadConfigDefaults(defaults map[string]interface{}) {
	if err := Config.Load(confmap.Provider(defaults, "."), nil); err != nil {
		panic("error loading config defaults: " + err.Error())
	}
}

// ValidateConfig logs a warning for every configured key that no one
// registered, with suggestions for likely typos. It returns the warnings.
func ValidateConfig(ctx context.Context) []config.ValidationWarning {
	warnings := config.ValidateConfigKeys(Config)
	if len(warnings) > 0 {
		logging.Warn(ctx, config.FormatValidationWarnings(warnings))
	}
	return warnings
}

// ConfigString returns the string value for the given key.
func ConfigString(key string) string {
	return Config.String(key)
}

// ConfigInt returns the int value for the given key.
func ConfigInt(key string) int {
	return Config.Int(key)
}

// ConfigBool returns the bool value for the given key.
func ConfigBool(key string) bool {
	return Config.Bool(key)
}

// ConfigStrings returns the string slice value for the given key.
func ConfigStrings(key string) []string {
	return Config.Strings(key)
}

// ConfigExists checks if the given key exists in the configuration.
func ConfigExists(key string) bool {
	return Config.Exists(key)
}

func registerCoreConfigKeys() {
	config.RegisterConfigKeys(
		ConfigKeyInfo{
			Key:         "application.id",
			Description: "Identifier used when New is called without one",
			Type:        "string",
			Default:     "envisage",
		},
		ConfigKeyInfo{
			Key:         "logging.format",
			Description: "Logger output: dev, prod or nop",
			Type:        "string",
			Default:     "dev",
		},
		ConfigKeyInfo{
			Key:         "plugins.include",
			Description: "Glob patterns of plugin IDs to admit; empty admits all",
			Type:        "[]string",
		},
		ConfigKeyInfo{
			Key:         "plugins.exclude",
			Description: "Glob patterns of plugin IDs to reject",
			Type:        "[]string",
		},
		ConfigKeyInfo{
			Key:         "extensions.cacheSize",
			Description: "Maximum number of cached extension point aggregates",
			Type:        "int",
			Default:     128,
		},
		ConfigKeyInfo{
			Key:         "metrics.enabled",
			Description: "Register the application collector with WithMetrics registerers",
			Type:        "bool",
			Default:     true,
		},
	)
}
