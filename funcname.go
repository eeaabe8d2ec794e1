package ontolog

import (
	"reflect"
	"runtime"
	"strings"
)

// runtimeFuncName resolves a function value to its package-qualified name,
// trimming the -fm suffix of method values.
func runtimeFuncName(v reflect.Value) string {
	f := runtime.FuncForPC(v.Pointer())
	if f == nil {
		return "func"
	}
	name := f.Name()
	name = strings.TrimSuffix(name, "-fm")
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	return name
}
