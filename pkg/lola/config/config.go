// Package config defines the deployment-topology types a runtime needs to
// stand up skeletons and proxies, and a thin gopkg.in/yaml.v3 loader for
// them. The original binding resolves this information from a JSON
// manifest (out of scope here, per spec.md §1); only the typed structs and
// identifiers that the rest of this module's constructors take as
// parameters are load-bearing, so the Go rendition borrows the teacher's
// pack-wide YAML convention for whatever file format a caller wants to
// load these from.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ServiceTypeDeployment names one element of a service type and the
// quality it's deployed at.
type ServiceTypeDeployment struct {
	ElementName string `yaml:"element_name"`
	Quality     string `yaml:"quality"` // "qm" or "asil-b"
}

// ServiceInstanceDeployment is one offered or consumed instance of a
// service type, with the sizing a skeleton needs to create its arena.
type ServiceInstanceDeployment struct {
	ServiceID  uint16 `yaml:"service_id"`
	InstanceID uint16 `yaml:"instance_id"`
	NumSlots   int    `yaml:"num_slots"`
	SampleSize int    `yaml:"sample_size"`
}

// Configuration is the resolved process topology: which instances this
// process offers and which it consumes, plus the per-service-type element
// layout shared across both.
type Configuration struct {
	Mount         string                      `yaml:"mount"`
	StateDir      string                      `yaml:"state_dir"`
	DiscoveryRoot string                      `yaml:"discovery_root"`
	Offers        []ServiceInstanceDeployment `yaml:"offers"`
	Consumes      []ServiceInstanceDeployment `yaml:"consumes"`
	ServiceTypes  map[uint16][]ServiceTypeDeployment `yaml:"service_types"`
}

// Load reads and parses a Configuration from a YAML file at path.
func Load(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration %s: %w", path, err)
	}
	var cfg Configuration
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration %s: %w", path, err)
	}
	return &cfg, nil
}

// Default returns a Configuration with the module's conventional mount
// points, suitable for a single-process deployment with no offers or
// consumers configured yet.
func Default() *Configuration {
	return &Configuration{
		Mount:         "/dev/shm",
		StateDir:      "/var/lib/lola",
		DiscoveryRoot: "/tmp/lola/discovery",
		ServiceTypes:  make(map[uint16][]ServiceTypeDeployment),
	}
}
