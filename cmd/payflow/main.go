// Command payflow runs and inspects salary orchestrations.
//
// Configuration comes from PAYFLOW_* environment variables; the global
// flags override them.
package main

import (
	"fmt"
	"os"
	"strings"
)

func main() {
	if err := newRootCmd(os.Stdout, environ()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}
