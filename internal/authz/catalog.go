package authz

// Builtin role names. Hierarchy levels order approval authority only.
const (
	RolePlatformAdmin  = "platform_admin"
	RoleProjectSponsor = "project_sponsor"
	RoleClientHead     = "client_head"
	RoleMember         = "member"
)

// Builtin permission keys, resource.action.
const (
	PermRoleAssign    = "authz.role.assign"
	PermRoleRevoke    = "authz.role.revoke"
	PermLicenseManage = "license.manage"
	PermAuditRead     = "audit.read"
	PermModuleRequest = "module.request"
	PermModuleApprove = "module.approve"
)

// BuiltinRoles is the catalog installed at bootstrap. It is configuration, not
// runtime state: mutations flow only through the audited write paths.
var BuiltinRoles = []Role{
	{Name: RolePlatformAdmin, HierarchyLevel: 100, IsSystemRole: true, Bypass: true},
	{Name: RoleProjectSponsor, HierarchyLevel: 80, IsSystemRole: true},
	{Name: RoleClientHead, HierarchyLevel: 70, IsSystemRole: true},
	{Name: RoleMember, HierarchyLevel: 10, IsSystemRole: true},
}

// BuiltinPermissions is the bootstrap permission catalog.
var BuiltinPermissions = []Permission{
	{Resource: "authz.role", Action: "assign", Name: PermRoleAssign},
	{Resource: "authz.role", Action: "revoke", Name: PermRoleRevoke},
	{Resource: "license", Action: "manage", Name: PermLicenseManage},
	{Resource: "audit", Action: "read", Name: PermAuditRead},
	{Resource: "module", Action: "request", Name: PermModuleRequest},
	{Resource: "module", Action: "approve", Name: PermModuleApprove},
}

// BuiltinGrants maps role names to permission keys. The platform admin carries
// Bypass and needs no grants.
var BuiltinGrants = map[string][]string{
	RoleProjectSponsor: {PermModuleApprove, PermModuleRequest, PermAuditRead},
	RoleClientHead:     {PermModuleApprove, PermModuleRequest},
	RoleMember:         {PermModuleRequest},
}
