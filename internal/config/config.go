package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const EnvPrefix = "EDUEL"

// Load reads file into config, config must be a pointer to the config struct. The values config already holds
// are the defaults. Environment variables override both, e.g. EDUEL_HTTP_PORT for HTTP.Port.
// An empty file loads the defaults and the environment only.
func Load(file string, config any) error {
	v := viper.New()

	m, err := toMap(config)
	if err != nil {
		return fmt.Errorf("mapstructure: %v", err)
	}

	if err := v.MergeConfigMap(m); err != nil {
		return fmt.Errorf("merge config map: %v", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.MergeInConfig(); err != nil {
			return fmt.Errorf("read config from file %s: %v", file, err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("unmarshal config: %v", err)
	}

	return nil
}

// toMap flattens nested structs into nested maps so every leaf is a key viper can bind to the environment.
func toMap(in any) (map[string]any, error) {
	m := make(map[string]any)
	if err := mapstructure.Decode(in, &m); err != nil {
		return nil, err
	}

	for k, val := range m {
		rv := reflect.ValueOf(val)
		if rv.Kind() == reflect.Pointer {
			rv = rv.Elem()
		}
		if rv.Kind() != reflect.Struct {
			continue
		}

		sub, err := toMap(rv.Interface())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		m[k] = sub
	}

	return m, nil
}
