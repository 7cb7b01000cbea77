package securestore

import "fmt"

// Mode is the storage format values are encrypted under. It follows the
// keystore backend available on the device.
type Mode uint8

const (
	// JMode stores values with keys managed in software, for hosts
	// without a hardware backed keystore.
	JMode Mode = iota + 1

	// MMode stores values with keys held by a hardware backed keystore.
	MMode
)

func (m Mode) String() string {
	switch m {
	case JMode:
		return "J_MODE"
	case MMode:
		return "M_MODE"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// ParseMode returns the mode with the given name.
func ParseMode(name string) (Mode, error) {
	switch name {
	case JMode.String():
		return JMode, nil
	case MMode.String():
		return MMode, nil
	default:
		return 0, fmt.Errorf("unknown secure storage mode %q", name)
	}
}

// SelectMode picks the mode for a host. The result only depends on the
// host's capability, so it is stable across restarts.
func SelectMode(hardwareKeystore bool) Mode {
	if hardwareKeystore {
		return MMode
	}
	return JMode
}
