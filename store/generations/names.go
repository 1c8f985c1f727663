package generations

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Role is the logical purpose of a generation.
type Role string

const (
	RoleShell       Role = "shell"
	RoleImages      Role = "images"
	RoleAPISnapshot Role = "api-snapshot"
)

// Roles lists every role in a stable order.
var Roles = []Role{RoleShell, RoleImages, RoleAPISnapshot}

// Name builds the generation name for a role and version, e.g. "shell-v3".
func Name(role Role, version int) string {
	return fmt.Sprintf("%s-v%d", role, version)
}

// ParseName splits a generation name into role and version.
// Names that do not follow the role-vN pattern return ok=false.
func ParseName(name string) (role Role, version int, ok bool) {
	i := strings.LastIndex(name, "-v")
	if i <= 0 {
		return "", 0, false
	}
	v, err := strconv.Atoi(name[i+2:])
	if err != nil || v < 0 {
		return "", 0, false
	}
	return Role(name[:i]), v, true
}

// Set names the current generation for each role.
type Set struct {
	Shell       string `json:"shell"`
	Images      string `json:"images"`
	APISnapshot string `json:"api_snapshot"`
}

// NewSet builds a Set from per-role versions.
func NewSet(shell, images, apiSnapshot int) Set {
	return Set{
		Shell:       Name(RoleShell, shell),
		Images:      Name(RoleImages, images),
		APISnapshot: Name(RoleAPISnapshot, apiSnapshot),
	}
}

// Names returns the generation names in the set.
func (s Set) Names() []string {
	return []string{s.Shell, s.Images, s.APISnapshot}
}

// Contains reports whether name is one of the set's generations.
func (s Set) Contains(name string) bool {
	return slices.Contains(s.Names(), name)
}

// Validate checks every role has a name and names are distinct.
func (s Set) Validate() error {
	seen := map[string]bool{}
	for _, n := range s.Names() {
		if n == "" {
			return fmt.Errorf("generation set has an empty name: %+v", s)
		}
		if seen[n] {
			return fmt.Errorf("generation set repeats name %q", n)
		}
		seen[n] = true
	}
	return nil
}
