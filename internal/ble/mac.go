package ble

import (
	"fmt"
	"strings"

	dbus "github.com/godbus/dbus/v5"
)

// NormalizeMAC canonicalizes a MAC address to the 17-character upper-case
// colon-separated form. Hyphen separators and lower-case hex are accepted
// on input.
func NormalizeMAC(mac string) (string, error) {
	s := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(mac), "-", ":"))
	if len(s) != 17 {
		return "", fmt.Errorf("%w: %q", ErrInvalidMAC, mac)
	}
	for i, r := range s {
		if (i+1)%3 == 0 {
			if r != ':' {
				return "", fmt.Errorf("%w: %q", ErrInvalidMAC, mac)
			}
			continue
		}
		if !isHexDigit(r) {
			return "", fmt.Errorf("%w: %q", ErrInvalidMAC, mac)
		}
	}
	return s, nil
}

func isHexDigit(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'A' && r <= 'F')
}

// MACFromPath extracts the MAC encoded in a device object path. The stack
// names device objects with a dev_ segment where octets are joined by
// underscores; the trailing substring after dev_ converts back by
// replacing underscores with colons.
func MACFromPath(path dbus.ObjectPath) (string, bool) {
	s := string(path)
	idx := strings.LastIndex(s, "dev_")
	if idx < 0 {
		return "", false
	}
	tail := s[idx+len("dev_"):]
	if slash := strings.IndexByte(tail, '/'); slash >= 0 {
		tail = tail[:slash]
	}
	mac, err := NormalizeMAC(strings.ReplaceAll(tail, "_", ":"))
	if err != nil {
		return "", false
	}
	return mac, true
}

// devicePathFor derives the object path the stack assigns to mac under
// the given adapter.
func devicePathFor(adapter dbus.ObjectPath, mac string) dbus.ObjectPath {
	return adapter + dbus.ObjectPath("/dev_"+strings.ReplaceAll(mac, ":", "_"))
}
