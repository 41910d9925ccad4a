// Package config loads process-wide toolkit defaults from an INI file,
// the same format and library (gopkg.in/ini.v1) the teacher uses for
// its object dictionary files. Unlike an EDS, this file has a fixed,
// small shape: a [bus], an [isotp] and a [diagnostics] section of
// scalar settings, so there is no dynamic section walking here.
package config

import (
	"time"

	"gopkg.in/ini.v1"

	"github.com/cansecio/vbustool/pkg/isotp"
	"github.com/cansecio/vbustool/pkg/uds"
)

// Config holds the toolkit-wide defaults a cmd entrypoint reads once
// at startup and threads through to the packages that need them.
type Config struct {
	// Bus
	Interface string
	Channel   string

	// ISO-TP
	NBsTimeout time.Duration

	// UDS
	ResponsePendingRetries int
	ProbeDelay             time.Duration
}

// Default returns the built-in defaults, used when no file is loaded
// or a file omits a key.
func Default() Config {
	return Config{
		Interface:              "socketcan",
		Channel:                "can0",
		NBsTimeout:             isotp.NBsTimeout,
		ResponsePendingRetries: uds.DefaultResponsePendingRetries,
		ProbeDelay:             100 * time.Millisecond,
	}
}

// Load reads file (a path, []byte, or io.Reader, per ini.Load's own
// rules) over the built-in defaults, returning a Config with any
// keys present in file overriding Default's values.
func Load(file any) (Config, error) {
	cfg := Default()

	iniFile, err := ini.Load(file)
	if err != nil {
		return Config{}, err
	}

	if bus, err := iniFile.GetSection("bus"); err == nil {
		cfg.Interface = bus.Key("interface").MustString(cfg.Interface)
		cfg.Channel = bus.Key("channel").MustString(cfg.Channel)
	}

	if isotpSection, err := iniFile.GetSection("isotp"); err == nil {
		ms := isotpSection.Key("n_bs_timeout_ms").MustInt(int(cfg.NBsTimeout / time.Millisecond))
		cfg.NBsTimeout = time.Duration(ms) * time.Millisecond
	}

	if diag, err := iniFile.GetSection("diagnostics"); err == nil {
		cfg.ResponsePendingRetries = diag.Key("response_pending_retries").MustInt(cfg.ResponsePendingRetries)
		ms := diag.Key("probe_delay_ms").MustInt(int(cfg.ProbeDelay / time.Millisecond))
		cfg.ProbeDelay = time.Duration(ms) * time.Millisecond
	}

	return cfg, nil
}
