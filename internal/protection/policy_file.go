package protection

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/biz-doublej/rangu.fam-sub002/internal/rbac"
	"github.com/biz-doublej/rangu.fam-sub002/internal/wiki"
)

type policyFile struct {
	CreateLevel string                     `yaml:"create_level"`
	Levels      map[string]requirementFile `yaml:"levels"`
}

type requirementFile struct {
	MinRole      string `yaml:"min_role"`
	MinEditCount int    `yaml:"min_edit_count"`
	MinTenure    string `yaml:"min_tenure"`
}

// LoadPolicy reads a YAML policy file. Levels the file omits keep their
// default requirement.
func LoadPolicy(path string) (Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read protection policy: %w", err)
	}
	return ParsePolicy(raw)
}

func ParsePolicy(raw []byte) (Policy, error) {
	var file policyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return Policy{}, fmt.Errorf("parse protection policy: %w", err)
	}

	policy := DefaultPolicy()
	if file.CreateLevel != "" {
		level, err := wiki.ParseProtectionLevel(file.CreateLevel)
		if err != nil {
			return Policy{}, fmt.Errorf("protection policy create_level: %w", err)
		}
		policy.CreateLevel = level
	}
	for name, entry := range file.Levels {
		level := wiki.ProtectionLevel(name)
		if !level.Valid() {
			return Policy{}, fmt.Errorf("protection policy: unknown level %q", name)
		}
		role, ok := rbac.Parse(entry.MinRole)
		if !ok {
			return Policy{}, fmt.Errorf("protection policy: level %q has unknown role %q", name, entry.MinRole)
		}
		req := Requirement{MinRole: role, MinEditCount: entry.MinEditCount}
		if entry.MinTenure != "" {
			tenure, err := time.ParseDuration(entry.MinTenure)
			if err != nil {
				return Policy{}, fmt.Errorf("protection policy: level %q min_tenure: %w", name, err)
			}
			req.MinTenure = tenure
		}
		policy.Levels[level] = req
	}
	if err := policy.Validate(); err != nil {
		return Policy{}, err
	}
	return policy, nil
}
