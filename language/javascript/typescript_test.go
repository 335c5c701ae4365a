package javascript

import (
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalTS(t *testing.T, code string) goja.Value {
	t.Helper()
	js, err := StripTypes(code)
	require.NoError(t, err)
	v, err := goja.New().RunString(js)
	require.NoError(t, err, "compiled:\n%s", js)
	return v
}

func TestStripTypes(t *testing.T) {
	tests := []struct {
		name string
		code string
		want string
	}{
		{"variable annotation", "let n: number = 1;\nn", "1"},
		{"union annotation", "let v: string | null = null;\nString(v)", "null"},
		{"function type annotation", "const f: (x: number) => number = (x) => x + 1;\nf(1)", "2"},
		{"destructuring annotation", "type Props = { a: number; b: number }\nconst { a, b }: Props = { a: 1, b: 2 };\na + b", "3"},
		{"definite assignment", "let x!: number;\nx = 4;\nx", "4"},
		{"interface", "interface User { name: string; age?: number }\nconst u: User = { name: 'u' };\nu.name", "u"},
		{"multiline union", "type Dir =\n  | \"up\"\n  | \"down\";\nlet d: Dir = \"up\";\nd", "up"},
		{"generic function", "function id<T>(x: T): T { return x }\nid<string>('g')", "g"},
		{"arrow", "const f = (x: number, y?: string): string => x + (y ?? \"\");\nf(1, 'a')", "1a"},
		{"as cast", "const y: unknown = 'c';\n(y as string).length", "1"},
		{"angle bracket cast", "interface P { a: number }\nconst p = <P>{ a: 1 };\np.a", "1"},
		{"as const", "const xs = [1, 2] as const;\nxs.join(',')", "1,2"},
		{"satisfies", "type Cfg = { a: number }\nconst c = { a: 1 } satisfies Cfg;\nc.a", "1"},
		{"generic new", "const m = new Map<string, number>();\nm.set('a', 1);\nm.get('a')", "1"},
		{"non-null", "const maybe: string | undefined = 'abc';\nmaybe!.length", "3"},
		{"comparisons kept", "let a = 1, b = 2;\n(a < b) + ':' + (b > a)", "true:true"},
		{"this parameter", "function f(this: { k: number }, x: number) { return this.k + x }\nf.call({ k: 1 }, 2)", "3"},
		{"overload", "function f(x: string): string;\nfunction f(x: any) { return x }\nf('o')", "o"},
		{"type predicate", "function isStr(x: unknown): x is string { return typeof x === 'string' }\nisStr('s')", "true"},
		{"declare", "declare const VERSION: string;\nlet v = 1;\nv", "1"},
		{"catch binding", "let r = '';\ntry { throw 1 } catch (e: unknown) { r = String(e) }\nr", "1"},
		{"optional chaining", "const o: { a?: { b: number } } = {};\nString(o.a?.b)", "undefined"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, evalTS(t, tt.code).String())
		})
	}
}

func TestStripTypesClass(t *testing.T) {
	code := `interface HasValue { get(): number }
abstract class Shape {
	abstract area(): number;
	describe(): string { return "area " + this.area() }
}
class Box<T> extends Shape implements HasValue {
	private value: number;
	[key: string]: any;
	constructor(value: number) { super(); this.value = value }
	get(): number { return this.value }
	area(): number { return this.value * this.value }
}
new Box<string>(3).describe()`
	assert.Equal(t, "area 9", evalTS(t, code).String())
}

func TestStripTypesEnum(t *testing.T) {
	code := "enum Color {\n  Red,\n  Green = 5,\n  Blue\n}\n[Color.Red, Color.Green, Color.Blue, Color[5]].join(',')"
	assert.Equal(t, "0,5,6,Green", evalTS(t, code).String())
}

func TestStripTypesStringEnum(t *testing.T) {
	code := `enum Mode { Fast = "fast", Slow = "slow" }
Mode.Slow`
	assert.Equal(t, "slow", evalTS(t, code).String())
}

func TestStripTypesNamespace(t *testing.T) {
	code := `namespace Geo {
	export const unit = "m";
	export function twice(n: number): number { return n * 2 }
}
Geo.twice(2) + Geo.unit`
	assert.Equal(t, "4m", evalTS(t, code).String())
}

func TestStripTypesParameterProperties(t *testing.T) {
	code := `class P {
	constructor(private x: number, public readonly y = 2) {}
	sum(): number { return this.x + this.y }
}
new P(1).sum()`
	assert.Equal(t, int64(3), evalTS(t, code).ToInteger())
}

func TestStripTypesParameterPropertiesAfterSuper(t *testing.T) {
	code := `class Base { tag: string; constructor() { this.tag = "base" } }
class Child extends Base {
	constructor(public name: string) {
		super();
	}
}
const c = new Child("c");
c.tag + ":" + c.name`
	assert.Equal(t, "base:c", evalTS(t, code).String())
}

func TestStripTypesKeepsStrings(t *testing.T) {
	assert.Equal(t, "a: number as string", evalTS(t, `const s = "a: number as string";
s`).String())
}

func TestStripTypesSyntaxError(t *testing.T) {
	_, err := StripTypes("let x: number = ;\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
}
