package config

import (
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
)

func decode(raw map[string]interface{}, dst *Config) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           dst,
		WeaklyTypedInput: true,
		ErrorUnused:      false,
	})
	if err != nil {
		return errors.Wrap(err, "building config decoder")
	}
	if err := dec.Decode(raw); err != nil {
		return errors.Wrap(err, "decoding config")
	}
	return nil
}
