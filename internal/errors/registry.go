package errors

import "sort"

// Template is the registered text of an error code.
type Template struct {
	Category   Category
	Message    string
	Detail     string
	Suggestion string
}

var registry = map[string]Template{
	// Configuration (E100-E199)

	"E100": {
		Category:   CategoryConfig,
		Message:    "Config file not found",
		Detail:     "No collabsync.yaml, collabsync.yml or collabsync.json was found in the directory or its parents.",
		Suggestion: "Pass --config with the file path, or run without one to use defaults",
	},
	"E101": {
		Category: CategoryConfig,
		Message:  "Cannot read config file",
	},
	"E102": {
		Category: CategoryConfig,
		Message:  "Malformed config file",
		Detail:   "The file is not valid YAML or JSON, or a value has the wrong type.",
	},
	"E103": {
		Category:   CategoryConfig,
		Message:    "Unsupported config format",
		Suggestion: "Use a .yaml, .yml or .json file",
	},
	"E104": {
		Category:   CategoryConfig,
		Message:    "Invalid duration",
		Suggestion: `Use a Go duration such as "30s" or "1m30s"`,
	},
	"E110": {
		Category: CategoryConfig,
		Message:  "Invalid client setting",
	},
	"E111": {
		Category: CategoryConfig,
		Message:  "Invalid relay setting",
	},

	// Command line (E200-E299)

	"E200": {
		Category: CategoryCLI,
		Message:  "Missing required flag",
	},
	"E201": {
		Category:   CategoryCLI,
		Message:    "Unknown command",
		Suggestion: "Type help to list the available commands",
	},
	"E202": {
		Category: CategoryCLI,
		Message:  "Invalid command argument",
	},

	// Relay and connection (E300-E399)

	"E300": {
		Category:   CategoryConnection,
		Message:    "Relay unreachable",
		Detail:     "The client gave up after exhausting its reconnect attempts.",
		Suggestion: "Check that the relay is running and that --url points at its WebSocket path",
	},
	"E301": {
		Category: CategoryConnection,
		Message:  "Relay failed to start",
	},
	"E302": {
		Category: CategoryConnection,
		Message:  "Collaboration request failed",
	},
}

// Codes returns every registered code, sorted.
func Codes() []string {
	codes := make([]string, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Lookup returns the template for a code.
func Lookup(code string) (Template, bool) {
	t, ok := registry[code]
	return t, ok
}

// Register adds or replaces a code.
func Register(code string, t Template) {
	registry[code] = t
}
