// Command download fetches the CPython WebAssembly interpreter into the
// sandpit cache directory, where the CLI and server pick it up.
//
// Usage: download [url] [output]
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/caffeineduck/sandpit/internal/config"
)

const defaultURL = "https://github.com/vmware-labs/webassembly-language-runtimes/releases/download/python%2F3.12.0%2B20231211-040d5a6/python-3.12.0.wasm"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "download:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) > 2 {
		return fmt.Errorf("usage: download [url] [output]")
	}
	url := defaultURL
	if len(args) > 0 {
		url = args[0]
	}
	var output string
	if len(args) > 1 {
		output = args[1]
	} else {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		output = filepath.Join(cfg.PythonCacheDir(), "python.wasm")
	}

	if _, err := os.Stat(output); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return err
	}

	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", url, resp.Status)
	}

	// Write beside the target and rename so a partial download is never used.
	f, err := os.CreateTemp(filepath.Dir(output), ".python-*.wasm")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())

	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(f.Name(), output); err != nil {
		return err
	}
	fmt.Println(output)
	return nil
}
