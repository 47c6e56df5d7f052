// Package conf handles loading and validation of application settings.
package conf

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// LogConfig defines the behavior of the rotating file log.
type LogConfig struct {
	Enabled    bool   `yaml:"enabled" mapstructure:"enabled"`
	Path       string `yaml:"path" mapstructure:"path"`
	MaxSizeMB  int    `yaml:"maxsizemb" mapstructure:"maxsizemb"`
	MaxBackups int    `yaml:"maxbackups" mapstructure:"maxbackups"`
	MaxAgeDays int    `yaml:"maxagedays" mapstructure:"maxagedays"`
}

// ProjectSettings locates the experiment directory tree. All four
// directories are resolved relative to BasePath unless absolute.
type ProjectSettings struct {
	BasePath   string `yaml:"basepath" mapstructure:"basepath"`
	DataDir    string `yaml:"datadir" mapstructure:"datadir"`
	LabelsDir  string `yaml:"labelsdir" mapstructure:"labelsdir"`
	CroppedDir string `yaml:"croppeddir" mapstructure:"croppeddir"`
	ModelsDir  string `yaml:"modelsdir" mapstructure:"modelsdir"`
}

// ModelSettings configures the segmentation model session.
type ModelSettings struct {
	Checkpoint    string `yaml:"checkpoint" mapstructure:"checkpoint"`
	Device        string `yaml:"device" mapstructure:"device"` // "auto" or "cpu"
	Threads       int    `yaml:"threads" mapstructure:"threads"`
	PointsPerSide int    `yaml:"pointsperside" mapstructure:"pointsperside"`
}

// SegmentationSettings holds the tunables of the non-AI strategies.
type SegmentationSettings struct {
	Threshold        int    `yaml:"threshold" mapstructure:"threshold"`
	MinComponentArea int    `yaml:"mincomponentarea" mapstructure:"mincomponentarea"`
	TiePolicy        string `yaml:"tiepolicy" mapstructure:"tiepolicy"` // "first" or "last"
}

// Settings is the root configuration structure.
type Settings struct {
	Debug bool `yaml:"debug" mapstructure:"debug"`

	Main struct {
		Name string    `yaml:"name" mapstructure:"name"`
		Log  LogConfig `yaml:"log" mapstructure:"log"`
	} `yaml:"main" mapstructure:"main"`

	Project      ProjectSettings      `yaml:"project" mapstructure:"project"`
	Model        ModelSettings        `yaml:"model" mapstructure:"model"`
	Segmentation SegmentationSettings `yaml:"segmentation" mapstructure:"segmentation"`
}

// DataPath returns the absolute path of the source image tree.
func (s *Settings) DataPath() string { return s.projectPath(s.Project.DataDir) }

// LabelsPath returns the absolute path of the mask tree.
func (s *Settings) LabelsPath() string { return s.projectPath(s.Project.LabelsDir) }

// CroppedPath returns the absolute path of the crop-export tree.
func (s *Settings) CroppedPath() string { return s.projectPath(s.Project.CroppedDir) }

// CheckpointPath returns the absolute path of the model checkpoint file.
func (s *Settings) CheckpointPath() string {
	return filepath.Join(s.projectPath(s.Project.ModelsDir), s.Model.Checkpoint)
}

func (s *Settings) projectPath(dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(s.Project.BasePath, dir)
}

var (
	settingsMutex sync.Mutex
)

// Load reads the configuration file and environment into a Settings struct.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings := &Settings{}

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	return settings, nil
}

// initViper initializes viper with default values and reads the configuration file.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	setDefaultConfig()

	if err := viper.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			// No config file yet, write one with the defaults.
			return createDefaultConfig()
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// createDefaultConfig writes the default configuration to the first config path.
func createDefaultConfig() error {
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	configPath := filepath.Join(configPaths[0], "config.yaml")

	settings := &Settings{}
	if err := viper.Unmarshal(settings); err != nil {
		return fmt.Errorf("error unmarshaling defaults: %w", err)
	}
	out, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling default config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, out, 0o644); err != nil { //nolint:gosec // G306: config file is not sensitive
		return fmt.Errorf("error writing default config file: %w", err)
	}

	return nil
}

// GetDefaultConfigPaths returns the list of directories searched for config.yaml,
// in priority order: current directory, then the user config directory.
func GetDefaultConfigPaths() ([]string, error) {
	paths := []string{"."}
	if configDir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(configDir, "orgseg"))
	}
	return paths, nil
}

// ValidateSettings checks settings for values the engine cannot work with.
func ValidateSettings(settings *Settings) error {
	if settings.Project.BasePath == "" {
		return fmt.Errorf("project.basepath must not be empty")
	}
	if settings.Segmentation.MinComponentArea < 0 {
		return fmt.Errorf("segmentation.mincomponentarea must not be negative, got %d",
			settings.Segmentation.MinComponentArea)
	}
	if settings.Segmentation.Threshold < 0 || settings.Segmentation.Threshold > 255 {
		return fmt.Errorf("segmentation.threshold must be in [0,255], got %d",
			settings.Segmentation.Threshold)
	}
	switch settings.Model.Device {
	case "auto", "cpu":
	default:
		return fmt.Errorf("model.device must be \"auto\" or \"cpu\", got %q", settings.Model.Device)
	}
	switch settings.Segmentation.TiePolicy {
	case "first", "last":
	default:
		return fmt.Errorf("segmentation.tiepolicy must be \"first\" or \"last\", got %q",
			settings.Segmentation.TiePolicy)
	}
	if settings.Model.PointsPerSide < 1 {
		return fmt.Errorf("model.pointsperside must be at least 1, got %d", settings.Model.PointsPerSide)
	}
	return nil
}
