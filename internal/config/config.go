package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	// Media backend the daemon drives: sequencer, pcm or mpv
	// Default: "sequencer"
	Backend string

	// Unix socket the daemon listens on
	Socket string

	// Directory holding the history database and logs
	DataDir string

	// Roots searched by load-asset, in order
	AssetDirs []string

	// Output format template for the now command
	// Default: "{{.State}} {{.Position}}/{{.Duration}}"
	OutputFormat string

	// Fixed display width for the now command (0 disables padding)
	OutputWidth int

	// Scroll output longer than OutputWidth instead of truncating it
	MarqueeEnabled bool

	// Marquee speed in characters per second
	MarqueeSpeed int

	// Text placed between repetitions of scrolling output
	MarqueeSeparator string

	Sequencer SequencerConfig
	PCM       PCMConfig
	MPV       MPVConfig
	Monitor   MonitorConfig
}

// SequencerConfig holds MIDI sequencer configuration
type SequencerConfig struct {
	// Raw MIDI output device; empty plays silently
	Device string
}

// PCMConfig holds audio output configuration
type PCMConfig struct {
	SampleRate int
	Buffer     time.Duration
}

// MPVConfig holds mpv configuration
type MPVConfig struct {
	Path   string
	Socket string
}

// MonitorConfig holds terminal UI configuration
type MonitorConfig struct {
	Refresh time.Duration
}

// Load reads configuration from file and environment
func Load() (*Config, error) {
	v := viper.New()

	// Set config name and paths
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// Config file locations (in order of precedence)
	configDir := getConfigDir()
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	setDefaults(v)

	// Read config file (optional - don't fail if missing)
	_ = v.ReadInConfig()

	// Read from environment variables
	v.SetEnvPrefix("PLAYMIDI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return fromViper(v), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend", "sequencer")
	v.SetDefault("socket", DefaultSocketPath())
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("asset_dirs", []string{})
	v.SetDefault("output_format", "{{.State}} {{.Position}}/{{.Duration}}")
	v.SetDefault("output_width", 0)
	v.SetDefault("marquee_enabled", false)
	v.SetDefault("marquee_speed", 2)
	v.SetDefault("marquee_separator", " • ")
	v.SetDefault("sequencer.device", "")
	v.SetDefault("pcm.sample_rate", 44100)
	v.SetDefault("pcm.buffer", "100ms")
	v.SetDefault("mpv.path", "mpv")
	v.SetDefault("mpv.socket", "")
	v.SetDefault("monitor.refresh", "250ms")
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Backend:          v.GetString("backend"),
		Socket:           v.GetString("socket"),
		DataDir:          v.GetString("data_dir"),
		AssetDirs:        v.GetStringSlice("asset_dirs"),
		OutputFormat:     v.GetString("output_format"),
		OutputWidth:      v.GetInt("output_width"),
		MarqueeEnabled:   v.GetBool("marquee_enabled"),
		MarqueeSpeed:     v.GetInt("marquee_speed"),
		MarqueeSeparator: v.GetString("marquee_separator"),
		Sequencer: SequencerConfig{
			Device: v.GetString("sequencer.device"),
		},
		PCM: PCMConfig{
			SampleRate: v.GetInt("pcm.sample_rate"),
			Buffer:     v.GetDuration("pcm.buffer"),
		},
		MPV: MPVConfig{
			Path:   v.GetString("mpv.path"),
			Socket: v.GetString("mpv.socket"),
		},
		Monitor: MonitorConfig{
			Refresh: v.GetDuration("monitor.refresh"),
		},
	}
}

// getConfigDir returns the configuration directory path
// Creates the directory if it doesn't exist
func getConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	configDir := filepath.Join(homeDir, ".config", "playmidi")

	// Create config directory if it doesn't exist
	_ = os.MkdirAll(configDir, 0755)

	return configDir
}

// GetConfigDir returns the configuration directory path (public helper)
func GetConfigDir() string {
	return getConfigDir()
}

// DefaultDataDir returns ~/.local/share/playmidi
func DefaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(homeDir, ".local", "share", "playmidi")
}

// DefaultSocketPath returns the daemon socket in the runtime directory when
// one exists, otherwise in the data directory
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "playmidi.sock")
	}
	return filepath.Join(DefaultDataDir(), "playmidi.sock")
}

// HistoryPath returns the history database location
func (c *Config) HistoryPath() string {
	return filepath.Join(c.DataDir, "history.db")
}

// Save writes configuration to file
func (c *Config) Save() error {
	v := viper.New()

	// Set config file path
	configDir := getConfigDir()
	configFile := filepath.Join(configDir, "config.yaml")

	// Set values in viper
	v.Set("backend", c.Backend)
	v.Set("socket", c.Socket)
	v.Set("data_dir", c.DataDir)
	v.Set("asset_dirs", c.AssetDirs)
	v.Set("output_format", c.OutputFormat)
	v.Set("output_width", c.OutputWidth)
	v.Set("marquee_enabled", c.MarqueeEnabled)
	v.Set("marquee_speed", c.MarqueeSpeed)
	v.Set("marquee_separator", c.MarqueeSeparator)
	v.Set("sequencer.device", c.Sequencer.Device)
	v.Set("pcm.sample_rate", c.PCM.SampleRate)
	v.Set("pcm.buffer", c.PCM.Buffer.String())
	v.Set("mpv.path", c.MPV.Path)
	v.Set("mpv.socket", c.MPV.Socket)
	v.Set("monitor.refresh", c.Monitor.Refresh.String())

	// Write to file
	return v.WriteConfigAs(configFile)
}
