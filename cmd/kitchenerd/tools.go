package main

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"sort"

	"github.com/kitchener-systems/kitchener/internal/tooldispatch"
)

// listPackagesTool reports the module's own dependency list, the one
// concrete in-kernel tool exercised by the executor's tool loop (spec.md
// §8 scenario 2's "list installed packages" turn).
type listPackagesTool struct{}

func (listPackagesTool) Name() string { return "list_packages" }

func (listPackagesTool) Description() string {
	return "List the Go modules this process was built against."
}

func (listPackagesTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}

func (listPackagesTool) Execute(ctx context.Context, args json.RawMessage) tooldispatch.Result {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return tooldispatch.Result{Status: tooldispatch.StatusError, Error: "list_packages: build info unavailable"}
	}
	names := make([]string, 0, len(info.Deps))
	for _, dep := range info.Deps {
		names = append(names, dep.Path+"@"+dep.Version)
	}
	sort.Strings(names)
	out, err := json.Marshal(map[string]any{"packages": names})
	if err != nil {
		return tooldispatch.Result{Status: tooldispatch.StatusError, Error: err.Error()}
	}
	return tooldispatch.Result{Status: tooldispatch.StatusOK, Output: out}
}

// builtinTools returns the in-kernel tool handlers registered at startup.
// Concrete dev-tool handlers (file edit, grep, shell) are external
// collaborators outside the kernel's scope; this is the one handler the
// kernel ships itself.
func builtinTools() []tooldispatch.Handler {
	return []tooldispatch.Handler{listPackagesTool{}}
}
