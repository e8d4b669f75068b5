package config

import (
	"github.com/knadh/koanf/v2"
)

// ApplyDefaults sets the default value of every registered key that is not
// already present in k. Safe to call repeatedly; existing values win.
func ApplyDefaults(k *koanf.Koanf) {
	for key, val := range DefaultConfigs() {
		if !k.Exists(key) {
			_ = k.Set(key, val)
		}
	}
}
