package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Flags holds per-job feature flags. Jobs that are not listed are enabled.
type Flags map[string]bool

// Decode implements envconfig.Decoder for values like "package_renew:false,trial_user_activation:true".
func (f *Flags) Decode(value string) error {
	flags := Flags{}
	for _, pair := range strings.Split(value, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, raw, ok := strings.Cut(pair, ":")
		if !ok {
			return fmt.Errorf("invalid job flag %q: expected name:bool", pair)
		}
		enabled, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("invalid job flag %q: %w", pair, err)
		}
		flags[strings.TrimSpace(name)] = enabled
	}
	*f = flags
	return nil
}

// IsEnabled returns the flag for name, defaulting to true when unset.
func (f Flags) IsEnabled(name string) bool {
	enabled, ok := f[name]
	if !ok {
		return true
	}
	return enabled
}
