package quota

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/iago/genjobs-back/internal/domain"
	"gopkg.in/yaml.v3"
)

// Unlimited marks a kind without a monthly cap.
const Unlimited int64 = -1

// Plan holds the monthly allowance per kind.
type Plan struct {
	Name   string                   `yaml:"name"`
	Limits map[domain.JobKind]int64 `yaml:"limits"`
}

func (p Plan) Limit(kind domain.JobKind) int64 {
	return p.Limits[kind]
}

// Catalog maps plan names to plans and names the plan used for owners without
// a subscription.
type Catalog struct {
	DefaultPlan string          `yaml:"default_plan"`
	Plans       map[string]Plan `yaml:"-"`
}

type catalogFile struct {
	DefaultPlan string `yaml:"default_plan"`
	Plans       []Plan `yaml:"plans"`
}

func DefaultCatalog() Catalog {
	return Catalog{
		DefaultPlan: "free",
		Plans: map[string]Plan{
			"free": {Name: "free", Limits: map[domain.JobKind]int64{
				domain.JobKindImage: 20,
				domain.JobKindVideo: 10,
				domain.JobKindVoice: 5,
			}},
			"creator": {Name: "creator", Limits: map[domain.JobKind]int64{
				domain.JobKindImage: 500,
				domain.JobKindVideo: 300,
				domain.JobKindVoice: 120,
			}},
			"pro": {Name: "pro", Limits: map[domain.JobKind]int64{
				domain.JobKindImage: Unlimited,
				domain.JobKindVideo: 1800,
				domain.JobKindVoice: 600,
			}},
		},
	}
}

// Plan resolves a plan name, falling back to the default plan.
func (c Catalog) Plan(name string) Plan {
	if plan, ok := c.Plans[name]; ok {
		return plan
	}
	return c.Plans[c.DefaultPlan]
}

// LoadCatalogFile reads plans from a YAML file:
//
//	default_plan: free
//	plans:
//	  - name: free
//	    limits: {image: 20, video: 10, voice: 5}
func LoadCatalogFile(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read plans file: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Catalog{}, fmt.Errorf("parse plans file: %w", err)
	}
	if len(file.Plans) == 0 {
		return Catalog{}, errors.New("plans file defines no plans")
	}

	catalog := Catalog{
		DefaultPlan: strings.TrimSpace(file.DefaultPlan),
		Plans:       make(map[string]Plan, len(file.Plans)),
	}
	for _, plan := range file.Plans {
		name := strings.TrimSpace(plan.Name)
		if name == "" {
			return Catalog{}, errors.New("plan without name")
		}
		for kind := range plan.Limits {
			if !kind.Valid() {
				return Catalog{}, fmt.Errorf("plan %s: unknown kind %q", name, kind)
			}
		}
		plan.Name = name
		catalog.Plans[name] = plan
	}
	if catalog.DefaultPlan == "" {
		catalog.DefaultPlan = file.Plans[0].Name
	}
	if _, ok := catalog.Plans[catalog.DefaultPlan]; !ok {
		return Catalog{}, fmt.Errorf("default plan %q is not defined", catalog.DefaultPlan)
	}
	return catalog, nil
}
