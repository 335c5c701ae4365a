package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caffeineduck/sandpit/executor"
)

func js(t *testing.T, code string) executor.ValidationResult {
	t.Helper()
	return ValidateCode(code, executor.JavaScript, executor.DefaultSecurityConfig())
}

func py(t *testing.T, code string) executor.ValidationResult {
	t.Helper()
	return ValidateCode(code, executor.Python, executor.DefaultSecurityConfig())
}

func hasError(res executor.ValidationResult, substr string) bool {
	for _, e := range res.Errors {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func TestEmptyCode(t *testing.T) {
	for _, code := range []string{"", "   \n\t"} {
		res := js(t, code)
		assert.False(t, res.IsValid)
		require.Len(t, res.Errors, 1)
		assert.Contains(t, res.Errors[0].Message, "empty")
	}
}

func TestCodeTooLong(t *testing.T) {
	res := js(t, strings.Repeat("a", MaxCodeLength+1))
	assert.False(t, res.IsValid)
	assert.Equal(t, executor.ErrorResource, res.Errors[0].Type)

	res = js(t, "let x = 1;"+strings.Repeat(" ", MaxCodeLength-20))
	assert.True(t, res.IsValid)
}

func TestDangerousECMAScript(t *testing.T) {
	tests := []struct {
		code string
		msg  string
	}{
		{`eval("1 + 1")`, "eval"},
		{`const f = new Function("return 1")`, "new Function"},
		{`document.body.innerHTML = ""`, "document"},
		{`window.location = "x"`, "window"},
		{`process.exit(1)`, "process"},
		{`const fs = require('fs')`, "Node.js system modules"},
		{`const cp = require("child_process")`, "Node.js system modules"},
		{`({}).__proto__.polluted = true`, "__proto__"},
		{`x.constructor.prototype.y = 1`, "constructor.prototype"},
		{`import("./mod.js")`, "Dynamic import"},
		{`new Worker("w.js")`, "workers"},
		{`fetch("https://example.com")`, "fetch"},
		{`localStorage.setItem("a", "b")`, "localStorage"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			res := js(t, tt.code)
			assert.False(t, res.IsValid)
			assert.True(t, hasError(res, tt.msg), "errors: %+v", res.Errors)
		})
	}
}

func TestTypeScriptUsesECMAScriptPatterns(t *testing.T) {
	res := ValidateCode(`const x: number = eval("1")`, executor.TypeScript, executor.DefaultSecurityConfig())
	assert.False(t, res.IsValid)
}

func TestDangerousPython(t *testing.T) {
	for _, code := range []string{
		`exec("print(1)")`,
		`eval("1")`,
		`compile("1", "x", "eval")`,
		`__import__("os")`,
		`f = open("/etc/passwd")`,
		`import os`,
		`import subprocess`,
		"x = 1\nfrom os import path",
		`import socket`,
		`g = print.__globals__`,
		`c = f.__closure__[0].cell_contents`,
		`b = len.__self__`,
		`().__class__.__base__`,
		"try:\n    1 / 0\nexcept Exception as e:\n    e.__traceback__.tb_frame",
		`from operator import attrgetter; attrgetter("x")(print)`,
	} {
		t.Run(code, func(t *testing.T) {
			assert.False(t, py(t, code).IsValid)
		})
	}
}

func TestSafeCode(t *testing.T) {
	res := js(t, "const xs = [1, 2, 3];\nconsole.log(xs.map((x) => x * 2));")
	assert.True(t, res.IsValid, "errors: %+v", res.Errors)
	assert.Empty(t, res.Warnings)

	res = py(t, "import math\nprint(math.sqrt(16))\n")
	assert.True(t, res.IsValid, "errors: %+v", res.Errors)
}

func TestErrorLineNumber(t *testing.T) {
	res := js(t, "const a = 1;\nconst b = 2;\neval('a')")
	require.False(t, res.IsValid)
	assert.Equal(t, 3, res.Errors[0].Line)

	res = py(t, "x = 1\n\nimport os")
	require.False(t, res.IsValid)
	assert.Equal(t, 3, res.Errors[0].Line)
}

func TestErrorLineIsWhereMatchStarts(t *testing.T) {
	res := js(t, "const a = 1;\nconst cp = require(\n  'child_process'\n);")
	require.False(t, res.IsValid)
	require.True(t, hasError(res, "Node.js system modules"))
	assert.Equal(t, 2, res.Errors[0].Line)

	res = js(t, "let x = 1;\nnew Function(\n  'return 1'\n)")
	require.False(t, res.IsValid)
	assert.Equal(t, 2, res.Errors[0].Line)
}

func TestBlockedGlobalInStringNotFlagged(t *testing.T) {
	res := js(t, `console.log("fetch")`)
	assert.True(t, res.IsValid, "errors: %+v", res.Errors)

	res = js(t, `const o = { key: 'globalThis' }; console.log(o.WebSocket)`)
	assert.True(t, res.IsValid, "errors: %+v", res.Errors)

	res = js(t, `console.log("close the window please")`)
	assert.True(t, res.IsValid, "errors: %+v", res.Errors)

	res = js(t, "// the window stays shut\nconsole.log(`no fetch ${1 + 1} here`)")
	assert.True(t, res.IsValid, "errors: %+v", res.Errors)
}

func TestBlockedGlobalInTemplateExpressionFlagged(t *testing.T) {
	res := js(t, "console.log(`${globalThis}`)")
	assert.False(t, res.IsValid)
	assert.True(t, hasError(res, "'globalThis'"))
}

func TestBlockedGlobalAccessFlagged(t *testing.T) {
	res := js(t, `const g = globalThis`)
	assert.False(t, res.IsValid)
	assert.True(t, hasError(res, "'globalThis'"))
}

func TestNetworkPolicy(t *testing.T) {
	code := `const ws = new WebSocket("wss://example.com")`

	res := js(t, code)
	assert.True(t, hasError(res, "WebSocket"))

	policy := executor.DefaultSecurityConfig()
	policy.AllowNetwork = true
	var globals []string
	for _, g := range policy.BlockedGlobals {
		if g != "WebSocket" {
			globals = append(globals, g)
		}
	}
	policy.BlockedGlobals = globals

	res = ValidateCode(code, executor.JavaScript, policy)
	assert.False(t, hasError(res, "WebSocket"), "errors: %+v", res.Errors)
	assert.True(t, res.IsValid)
}

func TestAllowNetworkLiftsNetworkGlobals(t *testing.T) {
	policy := executor.DefaultSecurityConfig()
	policy.AllowNetwork = true
	res := ValidateCode(`fetch("https://example.com").then(r => r.text())`, executor.JavaScript, policy)
	assert.True(t, res.IsValid, "errors: %+v", res.Errors)
}

func TestReservedIdentifiers(t *testing.T) {
	res := js(t, "__sandbox_tick = () => {}")
	assert.False(t, res.IsValid)
	assert.True(t, hasError(res, "reserved"))
}

func TestBlockedImports(t *testing.T) {
	res := js(t, `import net from 'net'`)
	assert.True(t, hasError(res, "Import of 'net'"))

	res = py(t, "import json, threading")
	assert.True(t, hasError(res, "Import of 'threading'"))

	res = py(t, "from multiprocessing.pool import Pool")
	assert.True(t, hasError(res, "Import of 'multiprocessing.pool'"))

	policy := executor.DefaultSecurityConfig()
	policy.BlockedImports = nil
	res = ValidateCode("import threading", executor.Python, policy)
	assert.True(t, res.IsValid)
}

func TestWarningsNeverBlock(t *testing.T) {
	tests := []struct {
		name string
		lang executor.Language
		code string
		typ  executor.WarningType
	}{
		{"while true", executor.JavaScript, "let i = 0;\nwhile (true) { if (i++ > 3) break; }", executor.WarningPerformance},
		{"for ever", executor.JavaScript, "for (;;) { break; }", executor.WarningPerformance},
		{"big array", executor.JavaScript, "const a = new Array(100000000);", executor.WarningPerformance},
		{"var", executor.JavaScript, "var x = 1;", executor.WarningStyle},
		{"brackets", executor.JavaScript, "function f() {\n  return 1;\n", executor.WarningSyntax},
		{"python loop", executor.Python, "while True:\n    pass\n", executor.WarningPerformance},
		{"python alloc", executor.Python, "x = [0] * 100_000_000\n", executor.WarningPerformance},
		{"python indent", executor.Python, "if True:\n    x = 1\n\ty = 2\n", executor.WarningSyntax},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ValidateCode(tt.code, tt.lang, executor.DefaultSecurityConfig())
			assert.True(t, res.IsValid, "errors: %+v", res.Errors)
			require.NotEmpty(t, res.Warnings)
			var found bool
			for _, w := range res.Warnings {
				found = found || w.Type == tt.typ
			}
			assert.True(t, found, "warnings: %+v", res.Warnings)
		})
	}
}

func TestPythonLoopWithBreakNotWarned(t *testing.T) {
	res := py(t, "while True:\n    break\n")
	assert.Empty(t, res.Warnings)
}

func TestUnsupportedLanguage(t *testing.T) {
	res := ValidateCode("puts 1", executor.Language("ruby"), executor.DefaultSecurityConfig())
	assert.False(t, res.IsValid)
}

func TestImports(t *testing.T) {
	code := "import numpy as np, requests\nfrom bs4 import BeautifulSoup\nimport numpy\nimport xml.etree.ElementTree"
	assert.Equal(t, []string{"numpy", "requests", "bs4", "xml.etree.ElementTree"}, Imports(code, executor.Python))

	code = "const a = require('lodash');\nimport { b } from \"./b\";\nimport 'side-effect';"
	assert.Equal(t, []string{"lodash", "./b", "side-effect"}, Imports(code, executor.JavaScript))

	assert.Empty(t, Imports("print(1)", executor.Python))
}
