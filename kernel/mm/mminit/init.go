package mminit

import (
	"mmboot/kernel"
	"mmboot/kernel/kfmt"
)

// Init runs the requested initialization phase. Phase 0 must complete
// before phase 1 runs and each phase runs once.
func (ctx *Context) Init(phase int) {
	switch {
	case phase == 0 && !ctx.phase0Done:
		ctx.initPhase0()
	case phase == 1 && ctx.phase0Done && !ctx.phase1Done:
		ctx.convertCandidates()
		ctx.phase1Done = true
	default:
		ctx.stop(kernel.StopMemoryManagement, stopBadPhase, uint64(phase), boolParam(ctx.phase0Done), boolParam(ctx.phase1Done))
	}
}

func (ctx *Context) initPhase0() {
	ctx.scanDescriptors()
	ctx.computeLayout()
	ctx.analyzeImages()
	ctx.planPfnMapping()
	ctx.mapDatabase()
	ctx.buildDatabase()
	ctx.logDatabase()
	ctx.populateFreeLists()

	// callers rebuild the physical run table from the descriptors
	ctx.restoreDescriptors()

	ctx.phase0Done = true
	kfmt.Fprintf(&ctx.log, "phase 0 complete\n")
}

func boolParam(v bool) uint64 {
	if v {
		return 1
	}
	return 0
}
