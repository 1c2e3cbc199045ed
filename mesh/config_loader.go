package mesh

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultPublishPrefix is the MQTT topic prefix when none is configured
	DefaultPublishPrefix = "boardmesh"

	// DefaultStableCycles is how many consecutive tracking cycles a client waits
	// before auto-submitting.
	DefaultStableCycles = 10

	// DefaultMinResubmitInterval debounces repeated submissions from one client
	DefaultMinResubmitInterval = 5 * time.Second

	// DefaultCycleInterval paces replayed tracking cycles
	DefaultCycleInterval = 33 * time.Millisecond
)

// LoadConfig loads the configuration from a YAML file, validates it and fills defaults
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.ApplyDefaults()

	return &config, nil
}

// Validate checks required fields
func (c *Config) Validate() error {
	if err := c.Session.Board.Validate(); err != nil {
		return fmt.Errorf("session.board: %w", err)
	}
	if _, err := NewIntrinsics(c.Session.Camera, c.Session.ResolutionDivider); err != nil {
		return fmt.Errorf("session.camera: %w", err)
	}
	if c.Session.MinCorners < 0 {
		return fmt.Errorf("session.minCorners must not be negative")
	}
	if c.Session.ResolutionDivider < 0 {
		return fmt.Errorf("session.resolutionDivider must not be negative")
	}
	if c.Coordinator.MaxBoardDistance < 0 {
		return fmt.Errorf("coordinator.maxBoardDistance must not be negative")
	}
	return nil
}

// ApplyDefaults fills unset optional fields
func (c *Config) ApplyDefaults() {
	if c.Session.ResolutionDivider == 0 {
		c.Session.ResolutionDivider = 1
	}
	if c.Session.MinCornerSpreadPx == 0 {
		c.Session.MinCornerSpreadPx = DefaultMinCornerSpreadPx
	}
	if c.MQTT.PublishPrefix == "" {
		c.MQTT.PublishPrefix = DefaultPublishPrefix
	}
	if c.Coordinator.MaxBoardDistance == 0 {
		c.Coordinator.MaxBoardDistance = DefaultMaxBoardDistance
	}
	if c.Client.StableCycles == 0 {
		c.Client.StableCycles = DefaultStableCycles
	}
	if c.Client.MinResubmitInterval == 0 {
		c.Client.MinResubmitInterval = DefaultMinResubmitInterval
	}
	if c.Client.CycleInterval == 0 {
		c.Client.CycleInterval = DefaultCycleInterval
	}
}

// ResolveClientID returns the client id from env, config, or a fresh UUID
func (c *Config) ResolveClientID() string {
	if id := os.Getenv("BOARDMESH_CLIENT_ID"); id != "" {
		return id
	}
	if c.Client.ID != "" {
		return c.Client.ID
	}
	return uuid.NewString()
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
