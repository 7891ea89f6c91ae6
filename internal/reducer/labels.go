package reducer

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/titanous/json5"
	"gopkg.in/yaml.v3"
)

// defaultLabels maps tool names to the activity label shown while the tool
// runs. Tools not listed fall back to a humanized form of their name.
var defaultLabels = map[string]string{
	"web_search":       "Searching the web",
	"web_fetch":        "Reading a page",
	"read_file":        "Reading files",
	"write_file":       "Writing files",
	"edit_file":        "Editing files",
	"exec":             "Running a command",
	"browser":          "Browsing",
	"render_diagram":   "Drawing a diagram",
	"extract_document": "Extracting a document",
	"memory_search":    "Recalling",
	"memory_get":       "Recalling",
}

// dispatcherTools invoke a nested tool or skill chosen at runtime, so their
// own name says nothing useful. They get a rotating generic label until the
// streamed arguments reveal what is actually being invoked.
var dispatcherTools = map[string]bool{
	"dispatch_agent": true,
	"run_skill":      true,
	"task":           true,
}

var genericLabels = []string{"Thinking", "Working on it", "Processing"}

// LabelCatalog resolves tool names to user-facing activity labels.
type LabelCatalog struct {
	mu         sync.Mutex
	overrides  map[string]string
	genericIdx int
}

// NewLabelCatalog returns a catalog with the built-in defaults.
func NewLabelCatalog() *LabelCatalog {
	return &LabelCatalog{overrides: map[string]string{}}
}

// LoadLabelCatalog reads a YAML file of toolName: label overrides on top of
// the defaults. A missing file yields the defaults.
func LoadLabelCatalog(path string) (*LabelCatalog, error) {
	c := NewLabelCatalog()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, &c.overrides); err != nil {
		return nil, fmt.Errorf("parse label catalog %s: %w", path, err)
	}
	if c.overrides == nil {
		c.overrides = map[string]string{}
	}
	return c, nil
}

// ReloadFile replaces the overrides from a YAML file. Used by config hot
// reload; the catalog pointer stays stable so live reducers pick it up.
func (c *LabelCatalog) ReloadFile(path string) error {
	next, err := LoadLabelCatalog(path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.overrides = next.overrides
	c.mu.Unlock()
	return nil
}

// LabelFor returns the activity label for a tool call. Dispatcher tools get
// the next generic label in rotation.
func (c *LabelCatalog) LabelFor(toolName string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.overrides[toolName]; ok {
		return l
	}
	if dispatcherTools[toolName] {
		l := genericLabels[c.genericIdx%len(genericLabels)]
		c.genericIdx++
		return l
	}
	if l, ok := defaultLabels[toolName]; ok {
		return l
	}
	return humanize(toolName)
}

// Refine attempts to improve a dispatcher tool's label from its streamed
// argument fragment. Arguments may be truncated mid-stream, so the parse is
// lenient and a failure leaves the current label in place.
func (c *LabelCatalog) Refine(toolName, accumulatedArgs string) (string, bool) {
	if !dispatcherTools[toolName] {
		return "", false
	}
	var args map[string]any
	if err := json5.Unmarshal([]byte(accumulatedArgs), &args); err != nil {
		return "", false
	}
	for _, key := range []string{"tool", "skill", "name", "agent"} {
		if v, ok := args[key].(string); ok && v != "" {
			c.mu.Lock()
			defer c.mu.Unlock()
			if l, ok := c.overrides[v]; ok {
				return l, true
			}
			if l, ok := defaultLabels[v]; ok {
				return l, true
			}
			return humanize(v), true
		}
	}
	return "", false
}

func humanize(name string) string {
	words := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-' || r == '.'
	})
	if len(words) == 0 {
		return "Working"
	}
	out := strings.Join(words, " ")
	return strings.ToUpper(out[:1]) + out[1:]
}
