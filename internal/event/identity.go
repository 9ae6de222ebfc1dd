package event

import (
	"fmt"
	"os"
)

// Identity environment variables, checked in order.
const (
	EnvAgent       = "CRIT_AGENT"
	EnvBotbusAgent = "BOTBUS_AGENT"
)

// ResolveAgent determines the acting identity for a service call:
// the explicit argument wins, then CRIT_AGENT, then BOTBUS_AGENT, then
// the configured default, then the OS user. Identity is an opaque
// string; nothing authenticates it.
func ResolveAgent(explicit, configDefault string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if v := os.Getenv(EnvAgent); v != "" {
		return v, nil
	}
	if v := os.Getenv(EnvBotbusAgent); v != "" {
		return v, nil
	}
	if configDefault != "" {
		return configDefault, nil
	}
	if v := os.Getenv("USER"); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("agent identity required: pass an author or set %s", EnvAgent)
}
