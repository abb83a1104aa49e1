package rbac

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed builtin_templates.yaml
var builtinTemplatesYAML []byte

// Names of the built-in templates
const (
	TemplateBasicEmployee = "basic-employee"
	TemplateStoreManager  = "store-manager"
	TemplateOwner         = "owner"
)

type builtinTemplate struct {
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	Parent      string          `yaml:"parent"`
	Priority    int             `yaml:"priority"`
	Entries     []TemplateEntry `yaml:"entries"`
}

type builtinFile struct {
	Templates []builtinTemplate `yaml:"templates"`
}

// BuiltinTemplates returns the embedded templates, parents first. ParentID
// holds the parent's name until the templates are seeded.
func BuiltinTemplates() ([]RoleTemplate, error) {
	var file builtinFile
	if err := yaml.Unmarshal(builtinTemplatesYAML, &file); err != nil {
		return nil, fmt.Errorf("failed to parse built-in templates: %w", err)
	}

	templates := make([]RoleTemplate, 0, len(file.Templates))
	for _, bt := range file.Templates {
		if err := validateEntries(bt.Entries); err != nil {
			return nil, fmt.Errorf("built-in template %s: %w", bt.Name, err)
		}
		templates = append(templates, RoleTemplate{
			Name:        bt.Name,
			Description: bt.Description,
			Entries:     bt.Entries,
			ParentID:    optional(bt.Parent),
			Active:      true,
			Priority:    bt.Priority,
		})
	}
	return templates, nil
}

// SeedBuiltinTemplates creates the built-in templates missing from the
// tenant. Templates that already exist by name are left untouched so tenant
// edits survive a re-seed. It returns the number created.
func SeedBuiltinTemplates(ctx context.Context, store *Store) (int, error) {
	templates, err := BuiltinTemplates()
	if err != nil {
		return 0, err
	}

	ids := make(map[string]string, len(templates))
	created := 0
	for _, t := range templates {
		existing, err := store.GetTemplateByName(ctx, t.Name)
		if err == nil {
			ids[t.Name] = existing.ID
			continue
		}
		if !errors.Is(err, ErrTemplateNotFound) {
			return created, err
		}

		if t.ParentID != nil {
			parentID, ok := ids[*t.ParentID]
			if !ok {
				return created, fmt.Errorf("built-in template %s: parent %s is not seeded", t.Name, *t.ParentID)
			}
			t.ParentID = &parentID
		}

		if err := store.CreateTemplate(ctx, &t); err != nil {
			return created, fmt.Errorf("failed to seed template %s: %w", t.Name, err)
		}
		ids[t.Name] = t.ID
		created++
	}
	return created, nil
}
