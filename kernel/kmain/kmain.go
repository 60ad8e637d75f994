package kmain

import (
	"mmboot/kernel"
	"mmboot/kernel/cpu"
	"mmboot/kernel/hal"
	"mmboot/kernel/hal/loader"
	"mmboot/kernel/hal/multiboot"
	"mmboot/kernel/kfmt"
	"mmboot/kernel/mm"
	"mmboot/kernel/mm/mminit"
	"mmboot/kernel/mm/vmm"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	// activePDTFn is used by tests to override calls to cpu.ActivePDT
	// which will cause a fault if called in user-mode.
	activePDTFn = cpu.ActivePDT

	// initFn is used by tests to intercept the memory manager phases.
	initFn = func(ctx *mminit.Context, phase int) { ctx.Init(phase) }
)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end. The
// kernel image is mapped at Kseg0Base + its physical address and all of
// physical memory is mapped at PhysMapBase.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	ctx, err := newBootContext(kernelStart, kernelEnd)
	if err != nil {
		kfmt.Panic(err)
	}

	initFn(ctx, 0)
	initFn(ctx, 1)

	stats := ctx.Stats()
	kfmt.Printf("[kmain] %d pages of physical memory, %d free\n", stats.TotalPages, ctx.Database().FreePages())

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}

// newBootContext assembles the loader parameter block, the memory manager
// tunables and the loader-built address space.
func newBootContext(kernelStart, kernelEnd uintptr) (*mminit.Context, *kernel.Error) {
	block := loader.FromMultiboot(kernelStart, kernelEnd, vmm.Kseg0Base+kernelStart)
	if err := block.Validate(); err != nil {
		return nil, err
	}

	cfg := mminit.DefaultConfig()
	cfg.ApplyBootOptions(multiboot.GetBootCmdLine())

	as := vmm.NewAddressSpace(
		mm.FrameFromAddress(activePDTFn()),
		vmm.DirectMap{Base: vmm.PhysMapBase},
	)

	return mminit.NewContext(block, hal.NewFirmware(), as, cfg), nil
}
