// Package entitlement maps subscription state to Discord role entitlements
// and applies the changes through a single worker that owns the Discord
// client.
package entitlement

import (
	"encoding/json"
	"fmt"

	"github.com/onnwee/sublink/backend/subs"
)

// GuildRoles is the entitlement mapping for one guild: the role every linked
// member holds, plus one role per subscription tier.
type GuildRoles struct {
	LinkedRoleID string               `json:"linked_role_id"`
	TierRoles    map[subs.Tier]string `json:"tier_roles"`
}

// RoleMap is the full mapping, keyed by guild id. It is data, not code: a
// new tier or guild is a config change.
type RoleMap map[string]GuildRoles

// ParseRoleMap decodes the ROLE_MAP JSON. Tier keys are "tier1".."tier3".
func ParseRoleMap(raw string) (RoleMap, error) {
	if raw == "" {
		return RoleMap{}, nil
	}
	var m RoleMap
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("parse role map: %w", err)
	}
	for guild, gr := range m {
		for tier := range gr.TierRoles {
			switch tier {
			case subs.Tier1, subs.Tier2, subs.Tier3:
			default:
				return nil, fmt.Errorf("role map guild %s: unknown tier %q", guild, tier)
			}
		}
	}
	return m, nil
}

// managed returns every role id this mapping owns. Roles outside this set
// are never touched.
func (gr GuildRoles) managed() map[string]bool {
	out := make(map[string]bool, len(gr.TierRoles)+1)
	if gr.LinkedRoleID != "" {
		out[gr.LinkedRoleID] = true
	}
	for _, id := range gr.TierRoles {
		out[id] = true
	}
	return out
}

// desired returns the role ids the member should hold for a tier. A linked
// member always gets the linked role; an active tier adds its role.
func (gr GuildRoles) desired(tier subs.Tier, linked bool) map[string]bool {
	out := make(map[string]bool, 2)
	if linked && gr.LinkedRoleID != "" {
		out[gr.LinkedRoleID] = true
	}
	if tier.Subscribed() {
		if id, ok := gr.TierRoles[tier]; ok {
			out[id] = true
		}
	}
	return out
}

// PlanRoleChanges diffs a member's current roles against the entitlement for
// tier. It only ever adds or removes roles the mapping manages; re-running
// on a converged member yields two empty slices.
func PlanRoleChanges(current []string, tier subs.Tier, linked bool, gr GuildRoles) (add, remove []string) {
	have := make(map[string]bool, len(current))
	for _, id := range current {
		have[id] = true
	}
	want := gr.desired(tier, linked)
	for id := range want {
		if !have[id] {
			add = append(add, id)
		}
	}
	for id := range gr.managed() {
		if have[id] && !want[id] {
			remove = append(remove, id)
		}
	}
	return add, remove
}
