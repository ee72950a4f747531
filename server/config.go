package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	humanize "github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/janelia-flyem/ichseg/ichseg"
	"github.com/janelia-flyem/ichseg/nifti"
	"github.com/janelia-flyem/ichseg/overlay"
	"github.com/janelia-flyem/ichseg/segment"
)

const (
	// DefaultWebAddress is the default address of the web server.
	DefaultWebAddress = "localhost:8000"

	// DefaultMaxUploadSize bounds the request body of an upload.
	DefaultMaxUploadSize = "1 GB"

	// DefaultArtifactTTL is how long generated masks and overlays are kept.
	DefaultArtifactTTL = time.Hour

	// DefaultReapInterval is how often expired artifacts are looked for.
	DefaultReapInterval = 5 * time.Minute

	// DefaultUploadTTL is the age at which a staged upload no request is using is
	// considered left over from a crash.
	DefaultUploadTTL = 24 * time.Hour

	// DefaultMaxVoxelBytes bounds the decoded voxel memory of one upload.
	DefaultMaxVoxelBytes = "4 GiB"

	// DefaultRegistrySize is the size in MB of the in-memory artifact registry.
	DefaultRegistrySize = 16
)

// DefaultSuffixes are the upload filename suffixes accepted unless configured otherwise.
var DefaultSuffixes = []string{nifti.Suffix, nifti.GzSuffix}

// Config is the server configuration, normally decoded from a TOML or YAML file.
type Config struct {
	Server  serverConfig     `toml:"server" yaml:"server"`
	Storage storageConfig    `toml:"storage" yaml:"storage"`
	Segment segmentConfig    `toml:"segment" yaml:"segment"`
	Auth    authConfig       `toml:"auth" yaml:"auth"`
	Logging ichseg.LogConfig `toml:"logging" yaml:"logging"`

	// location of the file this was loaded from, if any.
	location string

	// values parsed from the human-readable settings by Validate.
	maxUploadBytes int64
	maxVoxelBytes  int64
	artifactTTL    time.Duration
	uploadTTL      time.Duration
	reapInterval   time.Duration
}

type serverConfig struct {
	HTTPAddress     string   `toml:"http_address" yaml:"http_address"`
	Note            string   `toml:"note" yaml:"note"`
	MaxUploadSize   string   `toml:"max_upload_size" yaml:"max_upload_size"`
	AllowedSuffixes []string `toml:"allowed_suffixes" yaml:"allowed_suffixes"`
	CorsDomains     []string `toml:"cors_domains" yaml:"cors_domains"`
}

type storageConfig struct {
	UploadDir        string `toml:"upload_dir" yaml:"upload_dir"`
	ArtifactDir      string `toml:"artifact_dir" yaml:"artifact_dir"`
	ArtifactTTL      string `toml:"artifact_ttl" yaml:"artifact_ttl"`
	UploadTTL        string `toml:"upload_ttl" yaml:"upload_ttl"`
	ReapInterval     string `toml:"reap_interval" yaml:"reap_interval"`
	DeleteOnRetrieve bool   `toml:"delete_on_retrieve" yaml:"delete_on_retrieve"`
	RegistrySize     int    `toml:"registry_size" yaml:"registry_size"`
}

type segmentConfig struct {
	Percentile    float64 `toml:"percentile" yaml:"percentile"`
	MaxVoxelBytes string  `toml:"max_voxel_bytes" yaml:"max_voxel_bytes"`
	OverlaySize   int     `toml:"overlay_size" yaml:"overlay_size"`
	OverlayAlpha  float64 `toml:"overlay_alpha" yaml:"overlay_alpha"`
}

// DefaultConfig returns a configuration with default values, storing files under the
// system temporary directory.
func DefaultConfig() *Config {
	base := filepath.Join(os.TempDir(), "ichseg")
	c := &Config{}
	c.Server.HTTPAddress = DefaultWebAddress
	c.Server.MaxUploadSize = DefaultMaxUploadSize
	c.Server.AllowedSuffixes = append([]string{}, DefaultSuffixes...)
	c.Storage.UploadDir = filepath.Join(base, "uploads")
	c.Storage.ArtifactDir = filepath.Join(base, "artifacts")
	c.Storage.ArtifactTTL = DefaultArtifactTTL.String()
	c.Storage.UploadTTL = DefaultUploadTTL.String()
	c.Storage.ReapInterval = DefaultReapInterval.String()
	c.Storage.RegistrySize = DefaultRegistrySize
	c.Segment.Percentile = segment.DefaultPercentile
	c.Segment.MaxVoxelBytes = DefaultMaxVoxelBytes
	c.Segment.OverlaySize = overlay.DefaultSize
	c.Segment.OverlayAlpha = overlay.DefaultAlpha
	return c
}

// LoadConfig returns the defaults overridden by the given TOML file, or a YAML file if
// the name ends in ".yaml" or ".yml".  An empty filename returns the validated defaults.
func LoadConfig(filename string) (*Config, error) {
	c := DefaultConfig()
	if filename == "" {
		return c, c.Validate()
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("could not read config file %q: %v", filename, err)
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("could not decode YAML config: %v", err)
		}
	default:
		if _, err := toml.Decode(string(data), c); err != nil {
			return nil, fmt.Errorf("could not decode TOML config: %v", err)
		}
	}
	c.location = filename
	if err := c.convertPathsToAbsolute(filename); err != nil {
		return nil, fmt.Errorf("could not convert relative paths to absolute paths in config: %v", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	ichseg.Debugf("Loaded config from %s: %+v\n", filename, c.Server)
	return c, nil
}

// Some settings can be given as relative paths.  This converts them in-place to absolute
// paths, assuming they were relative to the config file's own directory.
func (c *Config) convertPathsToAbsolute(configPath string) error {
	configDir := filepath.Dir(configPath)
	for name, setting := range map[string]*string{
		"storage.upload_dir":   &c.Storage.UploadDir,
		"storage.artifact_dir": &c.Storage.ArtifactDir,
		"logging.logfile":      &c.Logging.Logfile,
	} {
		if *setting == "" {
			continue
		}
		absPath, err := ichseg.ConvertToAbsolute(*setting, configDir)
		if err != nil {
			return fmt.Errorf("error converting %s setting %q to absolute path: %v", name, *setting, err)
		}
		*setting = absPath
	}
	return nil
}

// Validate checks the settings and parses the sizes and durations.
func (c *Config) Validate() error {
	if c.Server.HTTPAddress == "" {
		c.Server.HTTPAddress = DefaultWebAddress
	}
	if c.Server.MaxUploadSize == "" {
		c.Server.MaxUploadSize = DefaultMaxUploadSize
	}
	size, err := humanize.ParseBytes(c.Server.MaxUploadSize)
	if err != nil {
		return fmt.Errorf("bad max_upload_size %q: %v", c.Server.MaxUploadSize, err)
	}
	if size == 0 {
		return fmt.Errorf("max_upload_size must be positive")
	}
	c.maxUploadBytes = int64(size)

	if len(c.Server.AllowedSuffixes) == 0 {
		c.Server.AllowedSuffixes = append([]string{}, DefaultSuffixes...)
	}
	for _, suffix := range c.Server.AllowedSuffixes {
		if !strings.HasPrefix(suffix, ".") {
			return fmt.Errorf("allowed suffix %q must start with '.'", suffix)
		}
	}

	if c.Storage.UploadDir == "" || c.Storage.ArtifactDir == "" {
		return fmt.Errorf("storage upload_dir and artifact_dir must be set")
	}
	if c.artifactTTL, err = ichseg.ParseDuration(c.Storage.ArtifactTTL, DefaultArtifactTTL); err != nil {
		return fmt.Errorf("bad artifact_ttl %q: %v", c.Storage.ArtifactTTL, err)
	}
	if c.reapInterval, err = ichseg.ParseDuration(c.Storage.ReapInterval, DefaultReapInterval); err != nil {
		return fmt.Errorf("bad reap_interval %q: %v", c.Storage.ReapInterval, err)
	}
	if c.uploadTTL, err = ichseg.ParseDuration(c.Storage.UploadTTL, DefaultUploadTTL); err != nil {
		return fmt.Errorf("bad upload_ttl %q: %v", c.Storage.UploadTTL, err)
	}
	if c.artifactTTL < 0 || c.uploadTTL < 0 || c.reapInterval < 0 {
		return fmt.Errorf("artifact_ttl, upload_ttl and reap_interval can't be negative")
	}
	if c.Storage.RegistrySize <= 0 {
		c.Storage.RegistrySize = DefaultRegistrySize
	}

	if c.Segment.Percentile < 0 || c.Segment.Percentile > 100 {
		return fmt.Errorf("segment percentile %g outside [0, 100]", c.Segment.Percentile)
	}
	if c.Segment.MaxVoxelBytes == "" {
		c.Segment.MaxVoxelBytes = DefaultMaxVoxelBytes
	}
	voxelBytes, err := humanize.ParseBytes(c.Segment.MaxVoxelBytes)
	if err != nil {
		return fmt.Errorf("bad max_voxel_bytes %q: %v", c.Segment.MaxVoxelBytes, err)
	}
	if voxelBytes == 0 {
		return fmt.Errorf("max_voxel_bytes must be positive")
	}
	c.maxVoxelBytes = int64(voxelBytes)
	if c.Segment.OverlaySize < 0 {
		return fmt.Errorf("overlay_size can't be negative")
	}
	if c.Segment.OverlayAlpha < 0 || c.Segment.OverlayAlpha > 1 {
		return fmt.Errorf("overlay_alpha %g outside [0, 1]", c.Segment.OverlayAlpha)
	}
	return nil
}

// AllowedName returns true if filename ends in one of the configured suffixes.
func (c *Config) AllowedName(filename string) bool {
	for _, suffix := range c.Server.AllowedSuffixes {
		if strings.HasSuffix(filename, suffix) {
			return true
		}
	}
	return false
}

// MaxUploadBytes returns the parsed max_upload_size.
func (c *Config) MaxUploadBytes() int64 {
	return c.maxUploadBytes
}

// ArtifactTTL returns how long artifacts are kept.  Zero keeps them until deleted.
func (c *Config) ArtifactTTL() time.Duration {
	return c.artifactTTL
}

// UploadTTL returns the age after which an unused staged upload is removed.  Zero
// keeps them.
func (c *Config) UploadTTL() time.Duration {
	return c.uploadTTL
}

// MaxVoxelBytes returns the parsed max_voxel_bytes.
func (c *Config) MaxVoxelBytes() int64 {
	return c.maxVoxelBytes
}

// ReapInterval returns how often expired artifacts are removed.
func (c *Config) ReapInterval() time.Duration {
	return c.reapInterval
}

// Location returns the file the config was loaded from or "" for defaults.
func (c *Config) Location() string {
	return c.location
}

// OverlayOptions returns the rendering options for overlays.
func (c *Config) OverlayOptions() overlay.Options {
	return overlay.Options{Size: c.Segment.OverlaySize, Alpha: c.Segment.OverlayAlpha}
}
