package cas

import "strings"

// EventMask selects the classes of change a subscription delivers.
type EventMask uint32

// Built in event classes. Further classes may be registered with the server.
const (
	MaskValue EventMask = 1 << iota
	MaskLog
	MaskAlarm
	MaskProperty
)

// NoEvents is the empty mask.
const NoEvents EventMask = 0

// Any reports whether m and other share a class.
func (m EventMask) Any(other EventMask) bool { return m&other != 0 }

// Empty reports whether no class is selected.
func (m EventMask) Empty() bool { return m == 0 }

func (m EventMask) String() string {
	if m == 0 {
		return "none"
	}

	var parts []string
	names := []struct {
		bit  EventMask
		name string
	}{
		{MaskValue, "value"},
		{MaskLog, "log"},
		{MaskAlarm, "alarm"},
		{MaskProperty, "property"},
	}
	rest := m
	for _, n := range names {
		if m&n.bit != 0 {
			parts = append(parts, n.name)
			rest &^= n.bit
		}
	}
	if rest != 0 {
		parts = append(parts, "custom")
	}

	return strings.Join(parts, "|")
}
