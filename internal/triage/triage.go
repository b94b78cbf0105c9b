// Package triage runs user-supplied Starlark rules against a symbolicated
// backtrace to assign a severity label, letting operators encode
// crash-classification policy ("any frame named sqlite3* is a storage
// fault") without recompiling the CLI.
package triage

import (
	"fmt"

	"go.starlark.net/starlark"

	"github.com/bitstadium/plcrash-unwind/internal/dump"
)

// Result is the outcome of running a triage script against a backtrace.
type Result struct {
	Severity string
	Reason   string
}

// Run executes script against frames. The script must define a function
// `classify(frames)` returning a (severity, reason) tuple of strings, where
// frames is a list of dicts with "symbol" and "image" keys built from the Go
// side.
func Run(scriptPath string, source []byte, frames []dump.Frame) (Result, error) {
	thread := &starlark.Thread{Name: "triage"}

	globals, err := starlark.ExecFile(thread, scriptPath, source, nil)
	if err != nil {
		return Result{}, fmt.Errorf("triage: exec %s: %w", scriptPath, err)
	}

	classify, ok := globals["classify"]
	if !ok {
		return Result{}, fmt.Errorf("triage: %s does not define classify(frames)", scriptPath)
	}

	frameList := starlark.NewList(nil)
	for _, f := range frames {
		d := starlark.NewDict(2)
		d.SetKey(starlark.String("symbol"), starlark.String(f.Symbol))
		d.SetKey(starlark.String("image"), starlark.String(f.ImageID))
		if err := frameList.Append(d); err != nil {
			return Result{}, fmt.Errorf("triage: build frame list: %w", err)
		}
	}

	retval, err := starlark.Call(thread, classify, starlark.Tuple{frameList}, nil)
	if err != nil {
		return Result{}, fmt.Errorf("triage: classify() failed: %w", err)
	}

	tuple, ok := retval.(starlark.Tuple)
	if !ok || tuple.Len() != 2 {
		return Result{}, fmt.Errorf("triage: classify() must return (severity, reason)")
	}
	sev, ok1 := starlark.AsString(tuple[0])
	reason, ok2 := starlark.AsString(tuple[1])
	if !ok1 || !ok2 {
		return Result{}, fmt.Errorf("triage: classify() must return two strings")
	}
	return Result{Severity: sev, Reason: reason}, nil
}
