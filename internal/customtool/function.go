package customtool

import (
	"fmt"

	"github.com/xzcli/gateway/internal/gwtypes"
)

// FunctionRegistry resolves a (module, entry) pair to a callable Go
// function. Functions are registered in-process at startup; there is no
// dynamic code loading.
type FunctionRegistry map[string]func(args map[string]any) (Result, error)

var functions = FunctionRegistry{}

// RegisterFunction makes fn callable as a FUNCTION handler under
// "module.entry".
func RegisterFunction(module, entry string, fn func(args map[string]any) (Result, error)) {
	functions[module+"."+entry] = fn
}

func callFunction(cfg gwtypes.FunctionHandlerConfig, args map[string]any) (Result, error) {
	fn, ok := functions[cfg.Module+"."+cfg.Entry]
	if !ok {
		return Result{}, fmt.Errorf("%w: no function registered for %s.%s", gwtypes.ErrConfigInvalid, cfg.Module, cfg.Entry)
	}
	return fn(args)
}
