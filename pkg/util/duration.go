package util

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration unmarshals yaml strings like "10s" or "5m", which yaml.v3
// does not support for time.Duration directly.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
