// Command sandpit runs untrusted JavaScript, TypeScript and Python snippets
// from the terminal, as a REPL, or behind an HTTP API.
package main

func main() {
	Execute()
}
