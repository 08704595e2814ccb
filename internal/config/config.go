// Package config holds the asha daemon's configuration: CLI flags, the
// persisted key-value file, and the defaults they override.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

// BufferAlgorithm selects one of the four Buffer variants described in
// spec.md §4.5.
type BufferAlgorithm string

const (
	BufferNone     BufferAlgorithm = "none"
	BufferThreaded BufferAlgorithm = "threaded"
	BufferPoll4    BufferAlgorithm = "poll4"
	BufferPoll8    BufferAlgorithm = "poll8"
	BufferTimed    BufferAlgorithm = "timed"
)

// Config holds the full set of tunables the asha daemon accepts, per
// spec.md §6 "Process-level CLI" plus the logging/test-tooling ambient
// concerns every asha-audio/asha component shares.
type Config struct {
	BufferAlgorithm BufferAlgorithm

	Volume      int8
	LeftVolume  int8
	RightVolume int8

	Interval  uint16 // x1.25ms, [6,16]
	Timeout   uint16 // x10ms, [10,3200]
	CELength  uint16 // x0.625ms, [0,65535]
	Phy1M     bool
	Phy2M     bool
	Reconnect bool

	RSSIPaired   int
	RSSIUnpaired int

	LogLevel  string
	LogFormat string
	LogOutput string

	postParse func()
}

// Default returns a Config with the daemon's built-in defaults, the
// same values the original asha_pipewire_sink ships unless overridden.
func Default() *Config {
	return &Config{
		BufferAlgorithm: BufferThreaded,
		Volume:          -20,
		LeftVolume:      -20,
		RightVolume:     -20,
		Interval:        12,
		Timeout:         500,
		CELength:        0,
		Phy1M:           true,
		Phy2M:           true,
		Reconnect:       true,
		RSSIPaired:      0,
		RSSIUnpaired:    0,
		LogLevel:        "info",
		LogFormat:       "text",
		LogOutput:       "stdout",
	}
}

// ConfigError represents a configuration validation error. Mirrors the
// original source's ConfigInvalid kind (spec.md §7): fatal at parse time.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return "config error in field '" + e.Field + "': " + e.Reason
}

// Validate enforces the ranges spec.md §6 names for each flag.
func (c *Config) Validate() error {
	switch c.BufferAlgorithm {
	case BufferNone, BufferThreaded, BufferPoll4, BufferPoll8, BufferTimed:
	default:
		return &ConfigError{Field: "BufferAlgorithm", Reason: "must be one of: none, threaded, poll4, poll8, timed"}
	}
	if err := validVolume("Volume", c.Volume); err != nil {
		return err
	}
	if err := validVolume("LeftVolume", c.LeftVolume); err != nil {
		return err
	}
	if err := validVolume("RightVolume", c.RightVolume); err != nil {
		return err
	}
	if c.Interval < 6 || c.Interval > 16 {
		return &ConfigError{Field: "Interval", Reason: "must be between 6 and 16"}
	}
	if c.Timeout < 10 || c.Timeout > 3200 {
		return &ConfigError{Field: "Timeout", Reason: "must be between 10 and 3200"}
	}
	if c.RSSIPaired < -127 || c.RSSIPaired > 0 {
		return &ConfigError{Field: "RSSIPaired", Reason: "must be between -127 and 0"}
	}
	if c.RSSIUnpaired < -127 || c.RSSIUnpaired > 0 {
		return &ConfigError{Field: "RSSIUnpaired", Reason: "must be between -127 and 0"}
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return &ConfigError{Field: "LogLevel", Reason: "must be one of: debug, info, warn, error"}
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return &ConfigError{Field: "LogFormat", Reason: "must be one of: text, json"}
	}
	return nil
}

func validVolume(field string, v int8) error {
	if v < -128 || v > 0 {
		return &ConfigError{Field: field, Reason: "must be between -128 and 0"}
	}
	return nil
}

// BindFlags registers the asha daemon's flag surface on fs, writing
// parsed values into c. Call fs.Parse afterward.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar((*string)(&c.BufferAlgorithm), "buffer_algorithm", string(c.BufferAlgorithm), "pacing strategy: none, threaded, poll4, poll8, timed")
	var vol, lvol, rvol int
	fs.IntVar(&vol, "volume", int(c.Volume), "stream volume for both sides, -128..0")
	fs.IntVar(&lvol, "left_volume", int(c.LeftVolume), "stream volume for the left side, -128..0")
	fs.IntVar(&rvol, "right_volume", int(c.RightVolume), "stream volume for the right side, -128..0")
	fs.Uint16Var(&c.Interval, "interval", c.Interval, "connection interval, x1.25ms, 6..16")
	fs.Uint16Var(&c.Timeout, "timeout", c.Timeout, "supervision timeout, x10ms, 10..3200")
	fs.Uint16Var(&c.CELength, "celength", c.CELength, "connection event length, x0.625ms")
	fs.BoolVar(&c.Phy1M, "phy1m", c.Phy1M, "allow LE 1M PHY")
	fs.BoolVar(&c.Phy2M, "phy2m", c.Phy2M, "prefer LE 2M PHY")
	fs.BoolVar(&c.Reconnect, "reconnect", c.Reconnect, "auto-reconnect known peripherals on proximity")
	fs.IntVar(&c.RSSIPaired, "rssi_paired", c.RSSIPaired, "RSSI threshold to auto-connect a paired device, 0 disables")
	fs.IntVar(&c.RSSIUnpaired, "rssi_unpaired", c.RSSIUnpaired, "RSSI threshold to auto-pair an unpaired device, 0 disables")
	fs.StringVar(&c.LogLevel, "log_level", c.LogLevel, "debug, info, warn, error")
	fs.StringVar(&c.LogFormat, "log_format", c.LogFormat, "text or json")
	fs.StringVar(&c.LogOutput, "log_output", c.LogOutput, "stdout, stderr, or a file path")

	c.postParse = func() {
		c.Volume = int8(vol)
		c.LeftVolume = int8(lvol)
		c.RightVolume = int8(rvol)
	}
}

// PostParse copies the pflag int scratch vars (pflag has no native
// int8 flag type) back into the typed fields. Call after fs.Parse.
func (c *Config) PostParse() {
	if c.postParse != nil {
		c.postParse()
	}
}

// Merge copies into c only the fields fs reports as explicitly set on
// the command line, reading their values from flags (a Config that had
// BindFlags/fs.Parse/PostParse run against it). Call after LoadFilePath
// so CLI flags override the file, and the file overrides built-in
// defaults, without an unset flag's default value silently clobbering
// whatever the file set.
func (c *Config) Merge(fs *pflag.FlagSet, flags *Config) {
	if fs.Changed("buffer_algorithm") {
		c.BufferAlgorithm = flags.BufferAlgorithm
	}
	if fs.Changed("volume") {
		c.Volume = flags.Volume
	}
	if fs.Changed("left_volume") {
		c.LeftVolume = flags.LeftVolume
	}
	if fs.Changed("right_volume") {
		c.RightVolume = flags.RightVolume
	}
	if fs.Changed("interval") {
		c.Interval = flags.Interval
	}
	if fs.Changed("timeout") {
		c.Timeout = flags.Timeout
	}
	if fs.Changed("celength") {
		c.CELength = flags.CELength
	}
	if fs.Changed("phy1m") {
		c.Phy1M = flags.Phy1M
	}
	if fs.Changed("phy2m") {
		c.Phy2M = flags.Phy2M
	}
	if fs.Changed("reconnect") {
		c.Reconnect = flags.Reconnect
	}
	if fs.Changed("rssi_paired") {
		c.RSSIPaired = flags.RSSIPaired
	}
	if fs.Changed("rssi_unpaired") {
		c.RSSIUnpaired = flags.RSSIUnpaired
	}
	if fs.Changed("log_level") {
		c.LogLevel = flags.LogLevel
	}
	if fs.Changed("log_format") {
		c.LogFormat = flags.LogFormat
	}
	if fs.Changed("log_output") {
		c.LogOutput = flags.LogOutput
	}
}

// LoadFile parses the persisted "key value" config file described in
// spec.md §6. Comments ('#'-prefixed) and blank lines are skipped, per
// the original source's Config.cxx; any other unrecognized key is a
// ConfigError, also per the original.
func (c *Config) LoadFile(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.SplitN(line, " ", 2)
		if len(fields) != 2 {
			return &ConfigError{Field: line, Reason: "expected 'key value'"}
		}
		key, value := fields[0], strings.TrimSpace(fields[1])
		if err := c.setKey(key, value); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// LoadFilePath opens path and calls LoadFile. A missing file is not an
// error: the daemon runs on defaults plus CLI flags.
func (c *Config) LoadFilePath(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()
	return c.LoadFile(f)
}

func (c *Config) setKey(key, value string) error {
	switch key {
	case "buffer_algorithm":
		c.BufferAlgorithm = BufferAlgorithm(value)
	case "volume":
		v, err := parseInt8(key, value)
		if err != nil {
			return err
		}
		c.Volume, c.LeftVolume, c.RightVolume = v, v, v
	case "left_volume":
		v, err := parseInt8(key, value)
		if err != nil {
			return err
		}
		c.LeftVolume = v
	case "right_volume":
		v, err := parseInt8(key, value)
		if err != nil {
			return err
		}
		c.RightVolume = v
	case "interval":
		return parseUint16Into(key, value, &c.Interval)
	case "timeout":
		return parseUint16Into(key, value, &c.Timeout)
	case "celength":
		return parseUint16Into(key, value, &c.CELength)
	case "phy1m":
		return parseBoolInto(key, value, &c.Phy1M)
	case "phy2m":
		return parseBoolInto(key, value, &c.Phy2M)
	case "reconnect":
		return parseBoolInto(key, value, &c.Reconnect)
	case "rssi_paired":
		return parseIntInto(key, value, &c.RSSIPaired)
	case "rssi_unpaired":
		return parseIntInto(key, value, &c.RSSIUnpaired)
	case "log_level":
		c.LogLevel = value
	case "log_format":
		c.LogFormat = value
	case "log_output":
		c.LogOutput = value
	default:
		return &ConfigError{Field: key, Reason: "unknown config key"}
	}
	return nil
}

func parseInt8(field, value string) (int8, error) {
	i, err := strconv.ParseInt(value, 10, 8)
	if err != nil {
		return 0, &ConfigError{Field: field, Reason: "not an integer: " + value}
	}
	return int8(i), nil
}

func parseUint16Into(field, value string, dst *uint16) error {
	i, err := strconv.ParseUint(value, 10, 16)
	if err != nil {
		return &ConfigError{Field: field, Reason: "not an integer: " + value}
	}
	*dst = uint16(i)
	return nil
}

func parseIntInto(field, value string, dst *int) error {
	i, err := strconv.Atoi(value)
	if err != nil {
		return &ConfigError{Field: field, Reason: "not an integer: " + value}
	}
	*dst = i
	return nil
}

func parseBoolInto(field, value string, dst *bool) error {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return &ConfigError{Field: field, Reason: "not a boolean: " + value}
	}
	*dst = b
	return nil
}
