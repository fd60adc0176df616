package welfarekit

import "time"

// Built-in role names.
const (
	RoleSuperAdmin         = "super_admin"
	RoleStateAdmin         = "state_admin"
	RoleDistrictAdmin      = "district_admin"
	RoleAreaAdmin          = "area_admin"
	RoleUnitAdmin          = "unit_admin"
	RoleProjectCoordinator = "project_coordinator"
	RoleSchemeCoordinator  = "scheme_coordinator"
	RoleBeneficiary        = "beneficiary"
)

// Permissions referenced by the engine itself.
const (
	PermApplicationsCreateOwn = "applications.create.own"
	PermApplicationsCancelOwn = "applications.cancel.own"
	PermFinancesManage        = "finances.manage.regional"
	PermFinancesRead          = "finances.read.regional"
)

func regionalAdminScope(level ScopeLevel, maxScopes int) ScopeConfig {
	return ScopeConfig{
		AllowedLevels: []ScopeLevel{level},
		DefaultLevel:  level,
		AllowMultiple: maxScopes != 1,
		MaxScopes:     maxScopes,
	}
}

// DefaultRegistry returns the permission catalog and role hierarchy of the welfare platform:
// super admin, the four regional admin tiers, project and scheme coordinators, and beneficiaries.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	// Applications
	r.DefinePermission("applications.create.own").Describe("Submit an application as the applicant").
		RateLimit(20, 24*time.Hour).
		DefinePermission("applications.read.global").
		DefinePermission("applications.read.regional").
		DefinePermission("applications.read.assigned").
		DefinePermission("applications.read.own").
		DefinePermission("applications.approve.global").Implies("applications.read.global").Audit().Security(SecurityHigh).
		DefinePermission("applications.approve.regional").Implies("applications.read.regional").Audit().Security(SecurityHigh).
		DefinePermission("applications.update.global").Implies("applications.read.global").
		DefinePermission("applications.update.regional").Implies("applications.read.regional").
		DefinePermission("applications.cancel.own").Audit()

	// Beneficiaries
	r.DefinePermission("beneficiaries.read.global").
		DefinePermission("beneficiaries.read.regional").
		DefinePermission("beneficiaries.read.assigned").
		DefinePermission("beneficiaries.read.own").
		DefinePermission("beneficiaries.update.regional").Requires("beneficiaries.read.regional")

	// Projects and schemes
	r.DefinePermission("projects.read.global").
		DefinePermission("projects.read.assigned").
		DefinePermission("projects.manage.global").Requires("projects.read.global").Audit().
		DefinePermission("schemes.read.global").
		DefinePermission("schemes.read.assigned").
		DefinePermission("schemes.manage.global").Requires("schemes.read.global").Audit()

	// Finances
	r.DefinePermission("finances.read.global").Security(SecurityMedium).
		DefinePermission("finances.read.regional").Security(SecurityMedium).
		DefinePermission("finances.manage.global").Requires("finances.read.global").Audit().Security(SecurityCritical).
		DefinePermission("finances.manage.regional").Requires("finances.read.regional").Audit().Security(SecurityCritical).
		Conflicts("finances.audit.regional").
		Hours(6, 22).
		RateLimit(60, time.Hour).
		DefinePermission("finances.audit.regional").Requires("finances.read.regional").Audit().Security(SecurityHigh)

	// Administration
	r.DefinePermission("roles.assign.global").Audit().Security(SecurityCritical).
		DefinePermission("roles.assign.regional").Audit().Security(SecurityHigh).
		DefinePermission("roles.read.global").
		DefinePermission("audit.read.global").Security(SecurityHigh).
		DefinePermission("reports.read.global").
		DefinePermission("reports.read.regional")

	r.DefineRole(RoleSuperAdmin, 0).
		Category("system").
		Describe("Full platform access").
		Permissions("*.*.global").
		Scope(ScopeConfig{AllowedLevels: []ScopeLevel{ScopeLevelGlobal}, DefaultLevel: ScopeLevelGlobal}).
		Constraints(RoleConstraints{MaxUsers: 5, IsDeletable: false, IsModifiable: false})

	r.DefineRole(RoleStateAdmin, 1).
		Category("regional_admin").
		Permissions(
			"applications.read.regional", "applications.approve.regional", "applications.update.regional",
			"beneficiaries.*.regional", "finances.read.regional", "finances.manage.regional",
			"projects.read.global", "schemes.read.global",
			"roles.assign.regional", "reports.read.regional",
		).
		Scope(regionalAdminScope(ScopeLevelState, 0))

	r.DefineRole(RoleDistrictAdmin, 2).
		Category("regional_admin").
		Permissions(
			"applications.read.regional", "applications.approve.regional", "applications.update.regional",
			"beneficiaries.read.regional", "beneficiaries.update.regional", "finances.read.regional",
			"finances.audit.regional", "roles.assign.regional", "reports.read.regional",
		).
		Scope(regionalAdminScope(ScopeLevelDistrict, 0))

	r.DefineRole(RoleAreaAdmin, 3).
		Category("regional_admin").
		Permissions(
			"applications.read.regional", "applications.approve.regional", "applications.update.regional",
			"beneficiaries.read.regional", "roles.assign.regional",
		).
		Scope(regionalAdminScope(ScopeLevelArea, 3))

	r.DefineRole(RoleUnitAdmin, 4).
		Category("regional_admin").
		Permissions(
			"applications.read.regional", "applications.approve.regional", "applications.update.regional",
			"beneficiaries.read.regional",
		).
		Scope(regionalAdminScope(ScopeLevelUnit, 1))

	r.DefineRole(RoleProjectCoordinator, 5).
		Category("coordinator").
		Permissions("applications.read.assigned", "beneficiaries.read.assigned", "projects.read.assigned").
		Scope(ScopeConfig{
			AllowedLevels: []ScopeLevel{ScopeLevelProject},
			DefaultLevel:  ScopeLevelProject,
			AllowMultiple: true,
		})

	r.DefineRole(RoleSchemeCoordinator, 5).
		Category("coordinator").
		Permissions("applications.read.assigned", "beneficiaries.read.assigned", "schemes.read.assigned").
		Scope(ScopeConfig{
			AllowedLevels: []ScopeLevel{ScopeLevelScheme},
			DefaultLevel:  ScopeLevelScheme,
			AllowMultiple: true,
		})

	r.DefineRole(RoleBeneficiary, 6).
		Category("beneficiary").
		Permissions("applications.create.own", "applications.read.own", "applications.cancel.own", "beneficiaries.read.own")

	return r
}
