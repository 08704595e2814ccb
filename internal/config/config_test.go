package config

import (
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRanges(t *testing.T) {
	cases := []struct {
		name  string
		apply func(*Config)
	}{
		{"bad buffer algorithm", func(c *Config) { c.BufferAlgorithm = "exotic" }},
		{"volume too high", func(c *Config) { c.Volume = 1 }},
		{"left volume too high", func(c *Config) { c.LeftVolume = 1 }},
		{"interval below range", func(c *Config) { c.Interval = 5 }},
		{"interval above range", func(c *Config) { c.Interval = 17 }},
		{"timeout below range", func(c *Config) { c.Timeout = 9 }},
		{"rssi paired out of range", func(c *Config) { c.RSSIPaired = 1 }},
		{"rssi unpaired out of range", func(c *Config) { c.RSSIUnpaired = -128 }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.apply(c)
			err := c.Validate()
			require.Error(t, err)
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	input := `# comment line
buffer_algorithm poll4

volume -40
left_volume -10
interval 10
phy2m false
rssi_paired -60
`
	c := Default()
	require.NoError(t, c.LoadFile(strings.NewReader(input)))

	require.Equal(t, BufferPoll4, c.BufferAlgorithm)
	require.Equal(t, int8(-40), c.Volume)
	require.Equal(t, int8(-10), c.LeftVolume)
	require.Equal(t, int8(-40), c.RightVolume) // set by bare "volume" before left_volume override
	require.Equal(t, uint16(10), c.Interval)
	require.False(t, c.Phy2M)
	require.Equal(t, -60, c.RSSIPaired)
	require.NoError(t, c.Validate())
}

func TestLoadFileUnknownKeyErrors(t *testing.T) {
	c := Default()
	err := c.LoadFile(strings.NewReader("bogus_key 1\n"))
	require.Error(t, err)
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestLoadFileMalformedLineErrors(t *testing.T) {
	c := Default()
	err := c.LoadFile(strings.NewReader("volume\n"))
	require.Error(t, err)
}

func TestMergeOnlyAppliesExplicitFlags(t *testing.T) {
	flags := Default()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--interval", "10"}))
	flags.PostParse()

	cfg := Default()
	require.NoError(t, cfg.LoadFile(strings.NewReader("volume -40\nrssi_paired -60\n")))
	cfg.Merge(fs, flags)

	require.Equal(t, uint16(10), cfg.Interval, "explicit --interval must override the file/default")
	require.Equal(t, int8(-40), cfg.Volume, "volume was only set by the file, not the flag, and must survive Merge")
	require.Equal(t, -60, cfg.RSSIPaired, "rssi_paired was only set by the file and must survive Merge")
}

func TestLoadFilePathMissingIsNotAnError(t *testing.T) {
	c := Default()
	require.NoError(t, c.LoadFilePath("/nonexistent/path/to/asha.conf"))
	require.NoError(t, c.Validate())
}
