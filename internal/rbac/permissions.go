package rbac

// Permission codes used by the platform itself.
const (
	PermManageOrganizations = "organization.manage"
	PermManageMemberships   = "membership.manage"
	PermManageRoles         = "role.manage"
	PermManageLicenses      = "license.manage"
	PermInvoiceVoid         = "invoice.void"
	PermInvoiceDelete       = "invoice.delete"
)

// BuiltinPermissions are seeded at startup and flagged system-owned.
var BuiltinPermissions = []Permission{
	{Code: PermManageOrganizations, Resource: "organization", Action: "manage", IsSystem: true},
	{Code: PermManageMemberships, Resource: "membership", Action: "manage", IsSystem: true},
	{Code: PermManageRoles, Resource: "role", Action: "manage", IsSystem: true},
	{Code: PermManageLicenses, Resource: "license", Action: "manage", IsSystem: true},
}
