package event

import "testing"

func clearIdentityEnv(t *testing.T) {
	t.Helper()
	t.Setenv(EnvAgent, "")
	t.Setenv(EnvBotbusAgent, "")
	t.Setenv("USER", "")
}

func TestResolveAgentExplicitWins(t *testing.T) {
	clearIdentityEnv(t)
	t.Setenv(EnvAgent, "env-agent")

	got, err := ResolveAgent("explicit", "cfg")
	if err != nil {
		t.Fatalf("ResolveAgent: %v", err)
	}
	if got != "explicit" {
		t.Errorf("got %q, want explicit", got)
	}
}

func TestResolveAgentEnvChain(t *testing.T) {
	clearIdentityEnv(t)
	t.Setenv(EnvBotbusAgent, "bus-agent")

	got, err := ResolveAgent("", "")
	if err != nil {
		t.Fatalf("ResolveAgent: %v", err)
	}
	if got != "bus-agent" {
		t.Errorf("got %q, want bus-agent", got)
	}

	t.Setenv(EnvAgent, "crit-agent")
	got, err = ResolveAgent("", "")
	if err != nil {
		t.Fatalf("ResolveAgent: %v", err)
	}
	if got != "crit-agent" {
		t.Errorf("CRIT_AGENT should outrank BOTBUS_AGENT, got %q", got)
	}
}

func TestResolveAgentConfigThenUser(t *testing.T) {
	clearIdentityEnv(t)

	got, err := ResolveAgent("", "cfg-agent")
	if err != nil {
		t.Fatalf("ResolveAgent: %v", err)
	}
	if got != "cfg-agent" {
		t.Errorf("got %q, want cfg-agent", got)
	}

	t.Setenv("USER", "dev")
	got, err = ResolveAgent("", "")
	if err != nil {
		t.Fatalf("ResolveAgent: %v", err)
	}
	if got != "dev" {
		t.Errorf("got %q, want dev", got)
	}
}

func TestResolveAgentNothingSet(t *testing.T) {
	clearIdentityEnv(t)
	if _, err := ResolveAgent("", ""); err == nil {
		t.Fatal("ResolveAgent should fail with no identity anywhere")
	}
}
