package endpoint

import "strings"

// systemPluginType is the sentinel PluginType value tools.Registry
// assigns to names matching no registered namespace — the admin/
// system-management surface, per spec §4.A "names not matching any
// prefix are treated as system tools".
const systemPluginType = ""

// Presets returns the fixed startup table: admin, system, then one
// entry per plugin type in pluginTypes (mount topology per spec §6).
func Presets(pluginTypes []string) []Config {
	out := make([]Config, 0, len(pluginTypes)+2)

	out = append(out,
		Config{
			Path:             "/",
			DisplayName:      "Admin",
			Description:      "Full administrative surface: every registered tool.",
			RequireMasterKey: true,
			AllowedScopes:    []string{"admin"},
		},
		Config{
			Path:             "/system",
			DisplayName:      "System",
			Description:      "System-management tools: health, audit, key and site administration.",
			PluginTypes:      []string{systemPluginType},
			RequireMasterKey: true,
			AllowedScopes:    []string{"admin"},
		},
	)

	for _, pt := range pluginTypes {
		out = append(out, Config{
			Path:        "/" + mountSlug(pt),
			DisplayName: displayName(pt),
			Description: "Unified tool surface for " + pt + " tenants.",
			PluginTypes: []string{pt},
		})
	}

	return out
}

// mountSlug turns a plugin-type namespace (tool-name-prefix form, using
// underscores) into its URL mount form, using hyphens.
func mountSlug(pluginType string) string {
	return strings.ReplaceAll(pluginType, "_", "-")
}

// displayName renders "wordpress_advanced" as "Wordpress Advanced".
func displayName(pluginType string) string {
	words := strings.Split(pluginType, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
