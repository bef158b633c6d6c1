package kfmt

import "github.com/rzel/magenta/kernel"

var (
	// haltFn is invoked by Panic after the error banner has been printed.
	// It is mocked by tests.
	haltFn = halt

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic outputs the supplied error (if not nil) to the active output sink and
// halts the system. Calls to Panic never return.
//
// Panic is reserved for invariant violations that indicate a kernel bug, such
// as a double free. Running out of a resource is never a reason to Panic.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t}
	case error:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t.Error()}
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	if err == nil {
		err = errRuntimePanic
	}
	haltFn(err)
}

// halt stops the calling goroutine by raising a Go panic carrying the error
// that caused the kernel panic. A hosted kernel has no CPU to halt; unwinding
// guarantees that no code after the failed invariant check gets to run.
func halt(err *kernel.Error) {
	panic(err)
}
