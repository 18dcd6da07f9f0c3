package config

import "time"

// Duration wraps time.Duration so config YAML can use friendly values like
// "30s" or "5m" instead of a raw nanosecond integer, adapted from the JSON
// Duration wrapper pattern to yaml.v3's Marshaler/Unmarshaler interfaces.
type Duration struct {
	time.Duration
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}

	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}

	d.Duration = dur
	return nil
}
