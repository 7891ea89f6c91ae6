package sessions

import (
	"strings"
	"testing"
)

func TestBuildKey(t *testing.T) {
	key := BuildKey("default", SurfaceCLI, "local")
	if key != "agent:default:cli:local" {
		t.Errorf("unexpected key: %q", key)
	}
	if !strings.HasPrefix(key, Prefix("default", SurfaceCLI)) {
		t.Error("key must share its own prefix")
	}
}

func TestAgent(t *testing.T) {
	if got := Agent("agent:coder:cli:local"); got != "coder" {
		t.Errorf("expected coder, got %q", got)
	}
	if got := Agent("bogus"); got != "" {
		t.Errorf("expected empty for malformed key, got %q", got)
	}
}
