package intervention

import (
	"context"
	"time"

	"github.com/attnlabs/pacebreak/internal/idgen"
	"github.com/attnlabs/pacebreak/internal/risk"
)

// DefaultTemplates returns the built-in template set, one per type.
// Priority and cooldown scale with severity.
func DefaultTemplates() []*Template {
	return []*Template{
		{
			ID:              idgen.WithPrefix(idgen.PrefixTemplate),
			Type:            TypeSoftNudge,
			MinLevel:        risk.LevelMedium,
			CooldownMinutes: 15,
			Priority:        10,
			Active:          true,
			Title:           "Time for a break?",
			Message:         "You've been scrolling for a while. A short pause helps you come back refreshed.",
			ActionText:      "Take a break",
		},
		{
			ID:              idgen.WithPrefix(idgen.PrefixTemplate),
			Type:            TypeMediumFriction,
			MinLevel:        risk.LevelHigh,
			CooldownMinutes: 30,
			Priority:        20,
			Active:          true,
			Title:           "Still here?",
			Message:         "You've gone well past your usual session length. Continue anyway?",
			ActionText:      "Continue",
		},
		{
			ID:              idgen.WithPrefix(idgen.PrefixTemplate),
			Type:            TypeHardBlock,
			MinLevel:        risk.LevelCritical,
			CooldownMinutes: 60,
			Priority:        40,
			Active:          true,
			Title:           "Session paused",
			Message:         "This session has been paused for now. It will unlock after a cooldown.",
			ActionText:      "OK",
		},
		{
			ID:              idgen.WithPrefix(idgen.PrefixTemplate),
			// Last resort: fires when hard_block is cooling down.
			Type:            TypeParentAlert,
			MinLevel:        risk.LevelCritical,
			CooldownMinutes: 120,
			Priority:        30,
			Active:          true,
			Title:           "Guardian notified",
			Message:         "Your guardian has been notified about extended late-night use.",
			ActionText:      "OK",
		},
	}
}

// SeedDefaults writes the default templates when the store has none.
func SeedDefaults(ctx context.Context, store TemplateStore) error {
	existing, err := store.List(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	now := time.Now()
	for _, t := range DefaultTemplates() {
		t.UpdatedAt = now
		if err := store.Put(ctx, t); err != nil {
			return err
		}
	}
	return nil
}
