package model

import (
	"fmt"
	"strings"
)

// Permission is the bitmask an analyzer requests and the authority embeds in the
// common name of the signed certificate.
type Permission uint32

const (
	PermissionIDMEFRead  Permission = 0x01
	PermissionAdminRead  Permission = 0x02
	PermissionIDMEFWrite Permission = 0x04
	PermissionAdminWrite Permission = 0x08
)

const permissionMask = PermissionIDMEFRead | PermissionAdminRead | PermissionIDMEFWrite | PermissionAdminWrite

type permissionClass struct {
	name  string
	read  Permission
	write Permission
}

var permissionClasses = []permissionClass{
	{name: "idmef", read: PermissionIDMEFRead, write: PermissionIDMEFWrite},
	{name: "admin", read: PermissionAdminRead, write: PermissionAdminWrite},
}

// ParsePermission parses the textual form "idmef:rw admin:r".
func ParsePermission(s string) (Permission, error) {
	var perm Permission

	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty permission string: %w", ErrInvalidParameter)
	}

	for _, field := range fields {
		name, rights, ok := strings.Cut(field, ":")
		if !ok || rights == "" {
			return 0, fmt.Errorf("permission %q must be <class>:<r|w|rw>: %w", field, ErrInvalidParameter)
		}

		var class *permissionClass
		for i := range permissionClasses {
			if permissionClasses[i].name == name {
				class = &permissionClasses[i]
				break
			}
		}
		if class == nil {
			return 0, fmt.Errorf("unknown permission class %q: %w", name, ErrInvalidParameter)
		}

		for _, r := range rights {
			switch r {
			case 'r':
				perm |= class.read
			case 'w':
				perm |= class.write
			default:
				return 0, fmt.Errorf("unknown permission %q in %q: %w", r, field, ErrInvalidParameter)
			}
		}
	}

	return perm, nil
}

func (p Permission) Valid() bool {
	return p&^permissionMask == 0
}

func (p Permission) String() string {
	parts := make([]string, 0, len(permissionClasses))
	for _, class := range permissionClasses {
		rights := ""
		if p&class.read != 0 {
			rights += "r"
		}
		if p&class.write != 0 {
			rights += "w"
		}
		if rights != "" {
			parts = append(parts, class.name+":"+rights)
		}
	}
	return strings.Join(parts, " ")
}
