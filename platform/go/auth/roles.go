package auth

// Platform roles are only ever granted in the control plane.
const (
	RoleSuperAdmin    = "super_admin"
	RolePlatformAdmin = "platform_admin"
	RoleSupport       = "platform_support"
)

var platformRoles = map[string]struct{}{
	RoleSuperAdmin:    {},
	RolePlatformAdmin: {},
	RoleSupport:       {},
}

// IsPlatformRole reports whether role belongs to the control plane.
func IsPlatformRole(role string) bool {
	_, ok := platformRoles[role]
	return ok
}

// HasPlatformRole reports whether any of roles is a platform role.
func HasPlatformRole(roles []string) bool {
	for _, r := range roles {
		if IsPlatformRole(r) {
			return true
		}
	}
	return false
}
