package plans

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// catalogFile is the on-disk shape of a catalog override
type catalogFile struct {
	UnitCost int64  `yaml:"unit_cost"`
	Period   string `yaml:"period"`
	Plans    []Plan `yaml:"plans"`
}

// LoadCatalog reads a YAML catalog from path. Missing unit_cost or period fall
// back to the defaults.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses a YAML catalog document
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse plan catalog: %w", err)
	}

	unitCost := file.UnitCost
	if unitCost == 0 {
		unitCost = 1
	}

	period := DefaultPeriod
	if file.Period != "" {
		d, err := time.ParseDuration(file.Period)
		if err != nil {
			return nil, fmt.Errorf("invalid billing period %q: %w", file.Period, err)
		}
		period = d
	}

	return NewCatalog(file.Plans, unitCost, period)
}
