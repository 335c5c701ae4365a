package security

import (
	"regexp"

	"github.com/caffeineduck/sandpit/executor"
)

// Pattern is one dangerous construct the validator looks for.
type Pattern struct {
	Name    string
	Regexp  *regexp.Regexp
	Message string
	Type    executor.ErrorType

	// RequiresNetworkDisabled patterns are skipped when the policy allows
	// network access.
	RequiresNetworkDisabled bool
}

func pattern(name, expr, msg string) Pattern {
	return Pattern{Name: name, Regexp: regexp.MustCompile(expr), Message: msg, Type: executor.ErrorSecurity}
}

func networkPattern(name, expr, msg string) Pattern {
	p := pattern(name, expr, msg)
	p.RequiresNetworkDisabled = true
	return p
}

// ECMAScriptPatterns apply to JavaScript and TypeScript, in order.
var ECMAScriptPatterns = []Pattern{
	pattern("eval", `\beval\s*\(`, "eval() is not allowed"),
	pattern("sandbox-internal", `__sandbox_\w*`, "Identifiers starting with __sandbox_ are reserved"),
	pattern("function-constructor", `\bnew\s+Function\s*\(`, "new Function() is not allowed"),
	pattern("document", `\bdocument\s*\.`, "DOM access via document is not allowed"),
	pattern("window", `\bwindow\s*\.`, "Access to window is not allowed"),
	pattern("global-this", `\bglobalThis\s*[.\[]`, "Access to globalThis is not allowed"),
	pattern("process", `\bprocess\s*\.`, "Access to process is not allowed"),
	pattern("proto", `__proto__`, "Prototype manipulation via __proto__ is not allowed"),
	pattern("constructor-prototype", `\bconstructor\s*\.\s*prototype\b`, "Prototype pollution via constructor.prototype is not allowed"),
	pattern("define-getter", `__define(?:Getter|Setter)__`, "Legacy accessor definition is not allowed"),
	pattern("dynamic-import", `\bimport\s*\(`, "Dynamic import() is not allowed"),
	pattern("worker", `\bnew\s+(?:Shared)?Worker\s*\(`, "Creating workers is not allowed"),
	pattern("import-scripts", `\bimportScripts\s*\(`, "importScripts() is not allowed"),
	networkPattern("fetch", `\bfetch\s*\(`, "Network access via fetch() is not allowed"),
	networkPattern("xhr", `\bXMLHttpRequest\b`, "Network access via XMLHttpRequest is not allowed"),
	networkPattern("websocket", `\bnew\s+WebSocket\s*\(`, "WebSocket connections are not allowed"),
	networkPattern("event-source", `\bnew\s+EventSource\s*\(`, "EventSource connections are not allowed"),
	networkPattern("send-beacon", `\bsendBeacon\s*\(`, "navigator.sendBeacon() is not allowed"),
	pattern("local-storage", `\blocalStorage\b`, "localStorage is not allowed"),
	pattern("session-storage", `\bsessionStorage\b`, "sessionStorage is not allowed"),
	pattern("indexed-db", `\bindexedDB\b`, "indexedDB is not allowed"),
	pattern("cookie", `\bdocument\s*\.\s*cookie\b`, "Cookie access is not allowed"),
	pattern("require-node", `\brequire\s*\(\s*['"\x60](?:node:)?(?:fs|fs/promises|child_process|net|http|https|os|vm|worker_threads|cluster|dgram|dns|tls|process)['"\x60]\s*\)`, "Requiring Node.js system modules is not allowed"),
}

// PythonPatterns apply to Python, in order.
var PythonPatterns = []Pattern{
	pattern("exec", `\bexec\s*\(`, "exec() is not allowed"),
	pattern("eval", `\beval\s*\(`, "eval() is not allowed"),
	pattern("compile", `\bcompile\s*\(`, "compile() is not allowed"),
	pattern("dunder-import", `\b__import__\s*\(`, "__import__() is not allowed"),
	pattern("open", `(?:^|[^.\w])open\s*\(`, "open() is not allowed"),
	pattern("import-system", `(?m)^\s*import\s+(?:os|sys|subprocess|socket)\b`, "Importing system modules is not allowed"),
	pattern("from-system", `(?m)^\s*from\s+(?:os|sys|subprocess|socket)(?:\.\w+)*\s+import\b`, "Importing from system modules is not allowed"),
	pattern("globals", `\b(?:globals|locals|vars)\s*\(\s*\)`, "Namespace introspection is not allowed"),
	pattern("subclasses", `__subclasses__`, "Class hierarchy introspection is not allowed"),
	pattern("builtins", `__builtins__`, "Access to __builtins__ is not allowed"),
	pattern("introspection", `\b__(?:globals|closure|code|self|func|class|base|bases|mro|defaults|kwdefaults|getattribute|traceback|dict)__\b`, "Object introspection is not allowed"),
	pattern("frame-introspection", `\b(?:cell_contents|f_globals|f_locals|f_builtins|f_back|tb_frame|gi_frame|cr_frame|ag_frame)\b`, "Frame introspection is not allowed"),
	pattern("attrgetter", `\b(?:attrgetter|methodcaller)\s*\(`, "Dynamic attribute access is not allowed"),
}

var (
	infiniteLoopJS     = regexp.MustCompile(`\bwhile\s*\(\s*(?:true|1)\s*\)|\bfor\s*\(\s*;\s*;\s*\)`)
	infiniteLoopPython = regexp.MustCompile(`(?m)^\s*while\s+(?:True|1)\s*:`)
	breakPython        = regexp.MustCompile(`\bbreak\b`)

	allocJS     = regexp.MustCompile(`\bnew\s+(?:Array|ArrayBuffer|Uint8Array|Int32Array|Float64Array)\s*\(\s*([\d_.eE]+)\s*\)|\.repeat\s*\(\s*([\d_.eE]+)\s*\)`)
	allocPython = regexp.MustCompile(`[\]'")]\s*\*\s*([\d_.eE]+)|\brange\s*\(\s*([\d_.eE]+)\s*\)`)

	varDecl = regexp.MustCompile(`(?m)(?:^|[;{}\s])var\s+[\w$]`)

	jsImportFrom = regexp.MustCompile(`\bimport\s+(?:[\w${}\s,*]+\s+from\s+)?['"]([^'"]+)['"]`)
	jsRequire    = regexp.MustCompile(`\brequire\s*\(\s*['"\x60]([^'"\x60]+)['"\x60]\s*\)`)
	pyImport     = regexp.MustCompile(`(?m)^\s*import\s+([\w.]+(?:\s*(?:as\s+\w+)?\s*,\s*[\w.]+)*)`)
	pyFromImport = regexp.MustCompile(`(?m)^\s*from\s+([\w.]+)\s+import\b`)
)

// AllocationThreshold is the element count above which an allocation literal
// is reported as a performance warning.
const AllocationThreshold = 10_000_000
