package carriers

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"go.yaml.in/yaml/v4"
)

type PatternConfig struct {
	Regex       string `yaml:"regex" validate:"required"`
	Description string `yaml:"description"`
}

type StatusMappingEntry struct {
	Text   string
	Status string
}

// StatusMapping — упорядоченный маппинг "текст перевозчика -> статус".
// Порядок объявления в YAML значим (первое совпадение выигрывает),
// поэтому декодируем через yaml.Node, а не через map.
type StatusMapping []StatusMappingEntry

func (m *StatusMapping) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("status_mapping: expected a mapping, got %v", node.Kind)
	}
	out := make(StatusMapping, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		out = append(out, StatusMappingEntry{
			Text:   node.Content[i].Value,
			Status: node.Content[i+1].Value,
		})
	}
	*m = out
	return nil
}

// Config — неизменяемое описание перевозчика из <id>.yaml.
type Config struct {
	ID                  string          `yaml:"id" validate:"required"`
	Name                string          `yaml:"name" validate:"required"`
	Website             string          `yaml:"website"`
	TrackingURLTemplate string          `yaml:"tracking_url_template"`
	TrackingPatterns    []PatternConfig `yaml:"tracking_patterns"`
	StatusMapping       StatusMapping   `yaml:"status_mapping"`
	Enabled             bool            `yaml:"enabled"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read carrier config")
	}

	// enabled по умолчанию true, если ключ не задан.
	var raw struct {
		ID                  string          `yaml:"id"`
		Name                string          `yaml:"name"`
		Website             string          `yaml:"website"`
		TrackingURLTemplate string          `yaml:"tracking_url_template"`
		TrackingPatterns    []PatternConfig `yaml:"tracking_patterns"`
		StatusMapping       StatusMapping   `yaml:"status_mapping"`
		Enabled             *bool           `yaml:"enabled"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal carrier config")
	}

	cfg := Config{
		ID:                  raw.ID,
		Name:                raw.Name,
		Website:             raw.Website,
		TrackingURLTemplate: raw.TrackingURLTemplate,
		TrackingPatterns:    raw.TrackingPatterns,
		StatusMapping:       raw.StatusMapping,
		Enabled:             raw.Enabled == nil || *raw.Enabled,
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, errors.Wrap(err, "validate carrier config")
	}
	return cfg, nil
}
