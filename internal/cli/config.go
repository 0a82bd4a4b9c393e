package cli

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" parse directly.
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

// Config is the full fleetd configuration, loaded once at startup.
type Config struct {
	Store struct {
		// Path to the SQLite database. Empty selects the in-memory store,
		// useful for demos; fleet state then does not survive a restart.
		Path string `yaml:"path"`
	} `yaml:"store"`

	Engine struct {
		IterationTime         Duration `yaml:"iteration_time"`
		DispatchInterval      Duration `yaml:"processor_dispatch_interval"`
		LogInterval           Duration `yaml:"processor_log_interval"`
		MaxObjectHandlingTime Duration `yaml:"max_object_handling_time"`
		MaxConcurrency        int      `yaml:"max_concurrency"`
	} `yaml:"engine"`

	Admission struct {
		MaxDisruptionFraction float64 `yaml:"max_disruption_fraction"`
		MinCapacity           int     `yaml:"min_capacity"`
	} `yaml:"admission"`

	Server struct {
		Listen string `yaml:"listen"`
	} `yaml:"server"`
}

func defaultConfig() Config {
	var c Config
	c.Store.Path = "fleet.db"
	c.Engine.IterationTime = Duration(30 * time.Second)
	c.Engine.DispatchInterval = Duration(500 * time.Millisecond)
	c.Engine.LogInterval = Duration(time.Minute)
	c.Engine.MaxObjectHandlingTime = Duration(30 * time.Second)
	c.Engine.MaxConcurrency = 8
	c.Admission.MaxDisruptionFraction = 0.10
	c.Admission.MinCapacity = 1
	c.Server.Listen = ":8080"
	return c
}

// loadConfig reads the YAML config at path, filling unset fields with
// defaults. A missing file is not an error: defaults apply.
func loadConfig(path string) (Config, error) {
	config := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return config, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return config, nil
}
