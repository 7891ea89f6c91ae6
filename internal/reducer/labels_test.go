package reducer

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLabelForKnownTool(t *testing.T) {
	c := NewLabelCatalog()
	if got := c.LabelFor("web_search"); got != "Searching the web" {
		t.Errorf("web_search = %q", got)
	}
}

func TestLabelForUnknownToolHumanizes(t *testing.T) {
	c := NewLabelCatalog()
	if got := c.LabelFor("fetch_weather_report"); got != "Fetch weather report" {
		t.Errorf("humanized = %q", got)
	}
}

func TestDispatcherLabelRotates(t *testing.T) {
	c := NewLabelCatalog()
	first := c.LabelFor("dispatch_agent")
	second := c.LabelFor("dispatch_agent")
	if first == second {
		t.Errorf("generic label did not rotate: %q twice", first)
	}
}

func TestRefineDispatcherFromArgs(t *testing.T) {
	c := NewLabelCatalog()

	if _, ok := c.Refine("dispatch_agent", `{"tool":"web_sea`); ok {
		t.Error("refined from truncated args")
	}
	label, ok := c.Refine("dispatch_agent", `{"tool":"web_search","query":"go"}`)
	if !ok || label != "Searching the web" {
		t.Errorf("refine = %q, %v", label, ok)
	}
	if _, ok := c.Refine("web_search", `{"query":"go"}`); ok {
		t.Error("refined a non-dispatcher tool")
	}
}

func TestLoadLabelCatalogOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labels.yaml")
	if err := os.WriteFile(path, []byte("web_search: Consulting the archives\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadLabelCatalog(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := c.LabelFor("web_search"); got != "Consulting the archives" {
		t.Errorf("override = %q", got)
	}
}

func TestLoadLabelCatalogMissingFile(t *testing.T) {
	c, err := LoadLabelCatalog(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if got := c.LabelFor("web_search"); got != "Searching the web" {
		t.Errorf("defaults lost: %q", got)
	}
}
