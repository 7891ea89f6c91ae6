// Package sessions builds the compound session keys used to address
// conversation state and persisted execution records.
package sessions

import "strings"

// Surface identifies where a session lives.
const (
	SurfaceCLI = "cli"
	SurfaceAPI = "api"
)

// BuildKey returns the canonical session key "agent:<agent>:<surface>:<scope>".
// The same key addresses the reducer state and the durable execution record,
// so a resumed process can find its in-flight run by prefix.
func BuildKey(agent, surface, scope string) string {
	return "agent:" + agent + ":" + surface + ":" + scope
}

// Prefix returns the key prefix shared by every scope of one agent+surface
// pair, used for crash-recovery lookups of resumable executions.
func Prefix(agent, surface string) string {
	return "agent:" + agent + ":" + surface + ":"
}

// Agent extracts the agent name from a session key, or "" if the key is not
// in canonical form.
func Agent(key string) string {
	parts := strings.SplitN(key, ":", 4)
	if len(parts) != 4 || parts[0] != "agent" {
		return ""
	}
	return parts[1]
}
