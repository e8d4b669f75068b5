package errors

import (
	"runtime"
	"strings"
)

// A StackFrame is one resolved entry of a captured call stack.
type StackFrame struct {
	// The path to the file containing this ProgramCounter
	File string
	// The LineNumber in that file
	LineNumber int
	// The Name of the function that contains this ProgramCounter
	Name string
	// The Package that contains this function
	Package string
	// The underlying ProgramCounter
	ProgramCounter uintptr
}

func newStackFrame(f runtime.Frame) StackFrame {
	pkg, name := packageAndName(f.Function)
	return StackFrame{
		File:           f.File,
		LineNumber:     f.Line,
		Name:           name,
		Package:        pkg,
		ProgramCounter: f.PC,
	}
}

// packageAndName splits a qualified function name such as
// github.com/awatters/envisage/plugin.(*Manager).Start into its package path
// and the name local to the package.
func packageAndName(fn string) (string, string) {
	name := fn
	pkg := ""

	// The package path may itself contain dots, so strip it up to the last
	// slash before looking for the package separator.
	if lastslash := strings.LastIndex(name, "/"); lastslash >= 0 {
		pkg += name[:lastslash] + "/"
		name = name[lastslash+1:]
	}
	if period := strings.Index(name, "."); period >= 0 {
		pkg += name[:period]
		name = name[period+1:]
	}

	name = strings.ReplaceAll(name, "·", ".")
	return pkg, name
}
