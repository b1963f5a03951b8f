package state

import (
	"fmt"
	"strings"
)

// a bitmap representing a set of capabilities on a resource
type Permission uint64

const (
	PermCanRead   Permission = 1 << iota
	PermCanWrite             // 2
	PermCanManage            // 4
)

var BuiltInPerms = map[string]Permission{
	"read":   PermCanRead,
	"write":  PermCanWrite,
	"manage": PermCanManage,
}

func (p Permission) Has(flag Permission) bool {
	return p&flag == flag
}

// ParsePermissions turns "read|write" style strings into a bitmap.
func ParsePermissions(s string) (Permission, error) {
	var p Permission
	for _, name := range strings.Split(s, "|") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		flag, ok := BuiltInPerms[name]
		if !ok {
			return 0, fmt.Errorf("unknown permission '%s'", name)
		}
		p |= flag
	}
	return p, nil
}
