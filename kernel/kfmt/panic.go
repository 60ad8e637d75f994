package kfmt

import (
	"mmboot/kernel"
	"mmboot/kernel/cpu"
)

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU. Calls to Panic never return.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}

// Stop reports an unrecoverable condition identified by a stop code and four
// code-specific parameters and halts the CPU. It is used by subsystems that
// run before any error reporting facility exists. Calls to Stop never return.
func Stop(code kernel.StopCode, p1, p2, p3, p4 uint64) {
	Printf("\n-----------------------------------\n")
	Printf("*** STOP: 0x%8x (0x%16x,0x%16x,0x%16x,0x%16x)\n", uint32(code), p1, p2, p3, p4)
	Printf("%s\n", code.String())
	Printf("*** system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}
