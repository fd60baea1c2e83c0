package flow

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dop251/goja"
)

// DefaultScriptTimeout bounds the execution time of one code node script.
const DefaultScriptTimeout = 2 * time.Second

// Sandbox executes user-supplied scripts from code nodes in an isolated
// interpreter. Each run gets a fresh VM with no host access; scripts see a
// single `variables` object and may return an object whose keys are merged
// back into the session's variable map.
type Sandbox struct {
	timeout time.Duration
}

// NewSandbox creates a Sandbox with the default execution budget.
func NewSandbox() *Sandbox {
	return &Sandbox{timeout: DefaultScriptTimeout}
}

// NewSandboxWithTimeout creates a Sandbox with a custom execution budget.
func NewSandboxWithTimeout(timeout time.Duration) *Sandbox {
	return &Sandbox{timeout: timeout}
}

// Run executes source as a function body receiving a copy of variables.
// If the script returns an object, its entries are coerced to strings and
// returned; a nil map means the script produced no output.
func (s *Sandbox) Run(source string, variables map[string]string) (map[string]string, error) {
	vm := goja.New()

	interrupt := time.AfterFunc(s.timeout, func() {
		vm.Interrupt("script execution budget exceeded")
	})
	defer interrupt.Stop()

	fnValue, err := vm.RunString("(function(variables) {\n" + source + "\n})")
	if err != nil {
		return nil, fmt.Errorf("failed to compile script: %w", err)
	}
	fn, ok := goja.AssertFunction(fnValue)
	if !ok {
		return nil, fmt.Errorf("script did not compile to a function")
	}

	input := make(map[string]interface{}, len(variables))
	for k, v := range variables {
		input[k] = v
	}

	result, err := fn(goja.Undefined(), vm.ToValue(input))
	if err != nil {
		return nil, fmt.Errorf("script execution failed: %w", err)
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, nil
	}

	exported, ok := result.Export().(map[string]interface{})
	if !ok {
		slog.Debug("Sandbox script returned a non-object value, ignoring", "type", result.ExportType())
		return nil, nil
	}

	output := make(map[string]string, len(exported))
	for k, v := range exported {
		output[CleanVariableName(k)] = coerceString(v)
	}
	return output, nil
}

// coerceString renders a script value as the string form stored in the
// variable map; numbers lose trailing zeros, booleans become true/false.
func coerceString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}
