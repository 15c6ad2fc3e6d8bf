package mem

// ProtectionLevel describes how much of the process memory could be pinned
// so that unwrapped identity keys are never paged to disk.
type ProtectionLevel int

const (
	ProtectionNone    ProtectionLevel = iota // No memory protection available
	ProtectionPartial                        // Enclaves only, process memory not locked
	ProtectionFull                           // Process memory locked
)

func (p ProtectionLevel) String() string {
	switch p {
	case ProtectionFull:
		return "full"
	case ProtectionPartial:
		return "partial"
	default:
		return "none"
	}
}

// Lock attempts to lock all current and future pages of the process.
func Lock() (ProtectionLevel, error) {
	return lockMemoryPlatform()
}

// Unlock releases a previous Lock.
func Unlock() error {
	return unlockMemoryPlatform()
}
