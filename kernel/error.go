package kernel

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure. This requirement stems
// from the fact that the Go allocator is not available to us so we cannot use
// errors.New.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// StopCode identifies the reason for an unrecoverable system stop. Stop codes
// are reported together with up to four diagnostic parameters whose meaning
// depends on the code.
type StopCode uint32

const (
	// StopMemoryManagement indicates that an internal memory manager
	// structure (page table or PFN entry) was found in an inconsistent state.
	StopMemoryManagement StopCode = 0x1a

	// StopInstallMoreMemory indicates that the machine does not have enough
	// physical memory to complete initialization. The fourth parameter
	// identifies the code path that ran out of pages.
	StopInstallMoreMemory StopCode = 0x7d
)

// String returns the symbolic name of the stop code.
func (c StopCode) String() string {
	switch c {
	case StopMemoryManagement:
		return "MEMORY_MANAGEMENT"
	case StopInstallMoreMemory:
		return "INSTALL_MORE_MEMORY"
	default:
		return "UNKNOWN"
	}
}
