package device

import (
	"fmt"
	"strings"
)

const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to lowercase without dashes or 0x prefix.
// Bluetooth SIG base UUIDs (0000xxxx-0000-1000-8000-00805f9b34fb) are reduced
// to their 16-bit form. Returns "" for malformed input.
func NormalizeUUID(uuid string) string {
	s := strings.ToLower(strings.TrimSpace(uuid))
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, "-", "")

	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return ""
		}
	}

	switch len(s) {
	case 4, 8:
		return s
	case 32:
		if strings.HasPrefix(s, "0000") && strings.HasSuffix(s, sigBaseSuffix) {
			return s[4:8]
		}
		return s
	default:
		return ""
	}
}

// ValidateUUID normalizes one or more UUIDs, failing on the first malformed one.
func ValidateUUID(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]string, 0, len(uuids))
	for i, uuid := range uuids {
		if uuid == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		normalized := NormalizeUUID(uuid)
		if normalized == "" {
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, uuid)
		}
		result = append(result, normalized)
	}
	return result, nil
}

// ServiceID builds the attribute identity of a service.
func ServiceID(service string) AttributeID {
	return AttributeID(NormalizeUUID(service))
}

// CharacteristicID builds the attribute identity of a characteristic.
func CharacteristicID(service, characteristic string) AttributeID {
	return AttributeID(NormalizeUUID(service) + "/" + NormalizeUUID(characteristic))
}

// DescriptorID builds the attribute identity of a descriptor.
func DescriptorID(characteristic AttributeID, descriptor string) AttributeID {
	return AttributeID(string(characteristic) + "/" + NormalizeUUID(descriptor))
}

// Parent returns the identity of the attribute containing a, or "" for services.
func (a AttributeID) Parent() AttributeID {
	i := strings.LastIndexByte(string(a), '/')
	if i < 0 {
		return ""
	}
	return a[:i]
}

// IsDescriptor reports whether a names a descriptor.
func (a AttributeID) IsDescriptor() bool {
	return strings.Count(string(a), "/") == 2
}

// UUID returns the UUID of the attribute itself.
func (a AttributeID) UUID() string {
	s := string(a)
	return s[strings.LastIndexByte(s, '/')+1:]
}
