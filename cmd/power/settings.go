package main

import (
	"errors"
	"io/fs"

	"github.com/banshee-data/power.report/internal/config"
)

// overrides holds command line values that take precedence over the
// config file. Empty strings leave the config value in place.
type overrides struct {
	Port   string
	Listen string
	DBPath string
	Gain   string
	MQTT   string
}

// loadSettings reads the config at path. With no path it uses the defaults
// file when one exists in the working directory, and built in defaults
// otherwise.
func loadSettings(path string, o overrides) (*config.MeterConfig, error) {
	cfg := &config.MeterConfig{}
	switch {
	case path != "":
		loaded, err := config.LoadMeterConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	default:
		loaded, err := config.LoadMeterConfig(config.DefaultConfigPath)
		if err == nil {
			cfg = loaded
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	if o.Port != "" {
		cfg.PortPath = &o.Port
	}
	if o.Listen != "" {
		cfg.Listen = &o.Listen
	}
	if o.DBPath != "" {
		cfg.DBPath = &o.DBPath
	}
	if o.Gain != "" {
		cfg.GainMode = &o.Gain
	}
	if o.MQTT != "" {
		cfg.MQTTURL = &o.MQTT
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
