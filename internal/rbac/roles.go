package rbac

// Role names come from the identity service; keep them in sync with its tokens.
const (
	RoleOwner           = "owner"
	RoleAgent           = "agent"
	RoleAnalyst         = "analyst"
	RoleFinance         = "finance"
	RoleSuperAdmin      = "super_admin"
	RoleNetworkOperator = "network_operator" // hidden role
)

// CallFlowReaders may read call flows and eligible targets.
var CallFlowReaders = []string{RoleOwner, RoleAnalyst}

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

func IsHiddenRole(role string) bool { return role == RoleNetworkOperator }

// CanSeeOverrides reports whether admin override events may appear in a call flow
// returned to this role.
func CanSeeOverrides(role string) bool { return IsSuperAdmin(role) }

// CanAccessWorkspace is the tenant check for a resource owned by resourceWorkspace.
func CanAccessWorkspace(role, callerWorkspace, resourceWorkspace string) bool {
	if IsSuperAdmin(role) {
		return true
	}
	return callerWorkspace != "" && callerWorkspace == resourceWorkspace
}
