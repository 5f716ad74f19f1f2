package generator

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-platform/pkg/errors"
)

var layerExtensions = []string{".yaml", ".yml", ".toml"}

// Layers holds the three configuration layers a unit is rendered from.
type Layers struct {
	Global      map[string]interface{}
	Environment map[string]interface{}
	Services    map[string]map[string]interface{}
}

// LoadLayers reads global, environments/<env> and services from dir.
func LoadLayers(dir, environment string) (*Layers, error) {
	global, err := loadStructuredFile(filepath.Join(dir, "global"))
	if err != nil {
		return nil, err
	}

	env, err := loadStructuredFile(filepath.Join(dir, "environments", environment))
	if err != nil {
		return nil, err
	}

	rawServices, err := loadStructuredFile(filepath.Join(dir, "services"))
	if err != nil {
		return nil, err
	}

	servicesNode, ok := asMap(rawServices["services"])
	if !ok {
		return nil, errors.NewConfigurationError("services file has no 'services' mapping", nil).
			WithContext("dir", dir)
	}

	services := make(map[string]map[string]interface{}, len(servicesNode))
	for id, entry := range servicesNode {
		m, ok := asMap(entry)
		if !ok {
			return nil, errors.NewConfigurationError("service entry is not a mapping", nil).WithContext("service", id)
		}
		services[id] = m
	}

	return &Layers{Global: global, Environment: env, Services: services}, nil
}

// loadStructuredFile reads stem with the first existing extension.
func loadStructuredFile(stem string) (map[string]interface{}, error) {
	for _, ext := range layerExtensions {
		path := stem + ext
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, errors.NewConfigurationError("failed to read configuration file", err).WithContext("path", path)
		}

		out := map[string]interface{}{}
		if strings.HasSuffix(path, ".toml") {
			err = toml.Unmarshal(data, &out)
		} else {
			err = yaml.Unmarshal(data, &out)
		}
		if err != nil {
			return nil, errors.NewConfigurationError("failed to parse configuration file", err).WithContext("path", path)
		}
		return out, nil
	}
	return nil, errors.NewConfigurationError("configuration file not found", nil).
		WithContext("path", stem).WithContext("extensions", strings.Join(layerExtensions, ","))
}
