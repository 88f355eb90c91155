package badges

import (
	"context"
	"fmt"
	"os"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/aimd54/travelqa/internal/models"
)

// Catalog is the set of badge definitions. ListActive must only return active definitions.
type Catalog interface {
	ListActive(ctx context.Context) ([]models.BadgeDefinition, error)
	GetByID(ctx context.Context, id uint) (*models.BadgeDefinition, error)
}

// StaticCatalog is an in-memory catalog, typically loaded from a YAML file.
type StaticCatalog struct {
	defs []models.BadgeDefinition
	byID map[uint]models.BadgeDefinition
}

// NewStaticCatalog builds a catalog from definitions. Definitions without an ID get their 1-based position.
func NewStaticCatalog(defs []models.BadgeDefinition) *StaticCatalog {
	copied := make([]models.BadgeDefinition, len(defs))
	copy(copied, defs)
	for i := range copied {
		if copied[i].ID == 0 {
			copied[i].ID = uint(i + 1)
		}
	}
	return &StaticCatalog{
		defs: copied,
		byID: lo.KeyBy(copied, func(d models.BadgeDefinition) uint { return d.ID }),
	}
}

// ListActive returns the active definitions in catalog order.
func (c *StaticCatalog) ListActive(_ context.Context) ([]models.BadgeDefinition, error) {
	return lo.Filter(c.defs, func(d models.BadgeDefinition, _ int) bool { return d.IsActive }), nil
}

// GetByID returns a definition by ID, active or not.
func (c *StaticCatalog) GetByID(_ context.Context, id uint) (*models.BadgeDefinition, error) {
	def, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("badge %d: %w", id, ErrBadgeNotFound)
	}
	return &def, nil
}

// catalogFile is the on-disk YAML layout of a badge catalog.
type catalogFile struct {
	Badges []catalogEntry `yaml:"badges"`
}

type catalogEntry struct {
	Code              string   `yaml:"code"`
	Name              string   `yaml:"name"`
	Description       string   `yaml:"description"`
	Icon              string   `yaml:"icon"`
	RuleType          string   `yaml:"rule_type"`
	Category          string   `yaml:"category"`
	RequiredAnswers   int      `yaml:"required_answers"`
	RequiredAdoptRate *float64 `yaml:"required_adopt_rate"`
	BonusPoints       int      `yaml:"bonus_points"`
	AdoptBonusPoints  *int     `yaml:"adopt_bonus_points"`
	Flag              string   `yaml:"flag"`
	Active            *bool    `yaml:"active"`
}

// LoadCatalogFile reads and validates badge definitions from a YAML file.
func LoadCatalogFile(path string) ([]models.BadgeDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read badge catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML badge catalog.
func ParseCatalog(data []byte) ([]models.BadgeDefinition, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse badge catalog: %w", err)
	}

	seen := make(map[string]bool, len(file.Badges))
	defs := make([]models.BadgeDefinition, 0, len(file.Badges))
	for i, e := range file.Badges {
		def := models.BadgeDefinition{
			Code:              e.Code,
			Name:              e.Name,
			Description:       e.Description,
			Icon:              e.Icon,
			RuleType:          models.RuleType(e.RuleType),
			Category:          e.Category,
			RequiredAnswers:   e.RequiredAnswers,
			RequiredAdoptRate: e.RequiredAdoptRate,
			BonusPoints:       e.BonusPoints,
			AdoptBonusPoints:  e.AdoptBonusPoints,
			Flag:              e.Flag,
			IsActive:          e.Active == nil || *e.Active,
		}
		if err := ValidateDefinition(&def); err != nil {
			return nil, fmt.Errorf("badge #%d: %w", i+1, err)
		}
		if seen[def.Code] {
			return nil, fmt.Errorf("badge #%d: duplicate code %q", i+1, def.Code)
		}
		seen[def.Code] = true
		defs = append(defs, def)
	}
	return defs, nil
}

// ValidateDefinition checks the invariants of a badge definition.
func ValidateDefinition(def *models.BadgeDefinition) error {
	if def.Code == "" {
		return fmt.Errorf("code is required")
	}
	if def.Name == "" {
		return fmt.Errorf("%s: name is required", def.Code)
	}
	if !def.RuleType.Valid() {
		return fmt.Errorf("%s: %w: %q", def.Code, ErrUnknownRuleType, def.RuleType)
	}
	if def.RequiredAnswers < 0 {
		return fmt.Errorf("%s: required_answers must be >= 0", def.Code)
	}
	if def.BonusPoints < 0 {
		return fmt.Errorf("%s: bonus_points must be >= 0", def.Code)
	}
	if def.AdoptBonusPoints != nil && *def.AdoptBonusPoints < 0 {
		return fmt.Errorf("%s: adopt_bonus_points must be >= 0", def.Code)
	}
	if r := def.RequiredAdoptRate; r != nil && (*r < 0 || *r > 1) {
		return fmt.Errorf("%s: required_adopt_rate must be within 0..1", def.Code)
	}
	return nil
}
