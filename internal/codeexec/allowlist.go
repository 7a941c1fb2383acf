package codeexec

import (
	"fmt"
	"regexp"
	"strings"
)

// AllowedModules is the single source of truth for which sandbox modules a
// script may require (§4.7, §9 design note: "build the sandbox's runtime
// module set by serializing the host's canonical list into the setup code;
// no second copy"). Both Sandbox.Execute's VM setup (what the VM actually
// allows) and PromptCapabilityText (what the model is told it may use) read
// from this one slice — they can never diverge.
//
// Grounded on internal/mcp/scanner.go's blocklist-by-regex philosophy,
// inverted here into an allow-list: instead of flagging dangerous patterns
// after the fact, only these libraries are ever opened as VM globals in the
// first place (require itself is removed).
var AllowedModules = []string{
	"string",
	"table",
	"math",
	"json", // thin json.encode/json.decode helpers registered by Sandbox
}

// PromptCapabilityText renders the allow-list for injection into a
// CodeMode system prompt, so the model's advertised capabilities can never
// drift from what the sandbox will actually permit.
func PromptCapabilityText() string {
	return "Available modules: " + strings.Join(AllowedModules, ", ") + ". No other imports are permitted."
}

func isAllowedModule(name string) bool {
	for _, m := range AllowedModules {
		if m == name {
			return true
		}
	}
	return false
}

// dangerousPattern flags source-level constructs that must never reach the
// VM even before setup-level blocking kicks in — defense in depth per §4.7:
// "Dangerous constructs ... are blocked by a pre-execution validator AND by
// the sandbox setup itself."
type dangerousPattern struct {
	name string
	re   *regexp.Regexp
}

var dangerousPatterns = []dangerousPattern{
	{"dynamic-load", regexp.MustCompile(`\b(load|loadstring|loadfile|dofile)\s*\(`)},
	{"require-call", regexp.MustCompile(`\brequire\s*\(`)},
	{"os-access", regexp.MustCompile(`\bos\s*\.\s*\w+`)},
	{"io-access", regexp.MustCompile(`\bio\s*\.\s*\w+`)},
	{"debug-access", regexp.MustCompile(`\bdebug\s*\.\s*\w+`)},
	{"getfenv-setfenv", regexp.MustCompile(`\b(getfenv|setfenv|rawset|rawget)\s*\(`)},
}

// Validate runs the pre-execution validator over source text, returning an
// error naming the first dangerous construct found. It never inspects
// _-prefixed internal module names in its error text (§4.7: "Disallowed
// imports fail with a user-facing error that hides internal _-prefixed
// modules").
func Validate(source string) error {
	for _, p := range dangerousPatterns {
		if p.re.MatchString(source) {
			return fmt.Errorf("code execution blocked: disallowed construct %q", p.name)
		}
	}
	return nil
}

// sanitizeImportError hides internal `_`-prefixed module names from a
// user-facing import error.
func sanitizeImportError(requested string) error {
	if strings.HasPrefix(requested, "_") {
		return fmt.Errorf("code execution blocked: module not available")
	}
	return fmt.Errorf("code execution blocked: module %q is not in the allowed list", requested)
}
