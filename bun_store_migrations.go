package welfarekit

import (
	"github.com/fernandezvara/dbkit"
)

// Migrations returns all database migrations required by the BunStore.
// Run them with db.Migrate(ctx, store.Migrations()).
func (s *BunStore) Migrations() []dbkit.Migration {
	return []dbkit.Migration{
		{
			ID:          "welfarekit-001",
			Description: "Create locations table",
			SQL: `
                CREATE TABLE IF NOT EXISTS locations (
                    id TEXT PRIMARY KEY,
                    name TEXT NOT NULL,
                    level TEXT NOT NULL,
                    parent_id TEXT REFERENCES locations(id)
                );
                CREATE INDEX IF NOT EXISTS locations_parent_idx ON locations (parent_id)`,
		},
		{
			ID:          "welfarekit-002",
			Description: "Create user_role_assignments table",
			SQL: `
                CREATE TABLE IF NOT EXISTS user_role_assignments (
                    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
                    user_id TEXT NOT NULL,
                    role TEXT NOT NULL,
                    assigned_by TEXT NOT NULL,
                    regions TEXT[],
                    projects TEXT[],
                    schemes TEXT[],
                    additional_permissions JSONB,
                    restricted_permissions JSONB,
                    valid_from TIMESTAMPTZ NOT NULL,
                    valid_until TIMESTAMPTZ,
                    is_active BOOLEAN NOT NULL DEFAULT TRUE,
                    is_primary BOOLEAN NOT NULL DEFAULT FALSE,
                    approval_status TEXT NOT NULL,
                    history JSONB,
                    version BIGINT NOT NULL DEFAULT 1,
                    created_at TIMESTAMPTZ NOT NULL DEFAULT current_timestamp,
                    updated_at TIMESTAMPTZ NOT NULL DEFAULT current_timestamp
                );
                CREATE INDEX IF NOT EXISTS ura_user_idx ON user_role_assignments (user_id);
                CREATE INDEX IF NOT EXISTS ura_role_active_idx ON user_role_assignments (role) WHERE is_active`,
		},
		{
			ID:          "welfarekit-003",
			Description: "Create applications table",
			SQL: `
                CREATE TABLE IF NOT EXISTS applications (
                    id TEXT PRIMARY KEY,
                    number TEXT NOT NULL UNIQUE,
                    applicant_id TEXT NOT NULL,
                    project_id TEXT,
                    scheme_id TEXT,
                    status TEXT NOT NULL,
                    current_level TEXT NOT NULL,
                    location_state TEXT,
                    location_district TEXT,
                    location_area TEXT,
                    location_unit TEXT,
                    sla_status TEXT NOT NULL,
                    version BIGINT NOT NULL DEFAULT 1,
                    created_at TIMESTAMPTZ NOT NULL DEFAULT current_timestamp,
                    updated_at TIMESTAMPTZ NOT NULL DEFAULT current_timestamp
                );
                CREATE INDEX IF NOT EXISTS applications_unit_idx ON applications (location_unit);
                CREATE INDEX IF NOT EXISTS applications_status_idx ON applications (status)`,
		},
		{
			ID:          "welfarekit-004",
			Description: "Create approval_entries table",
			SQL: `
                CREATE TABLE IF NOT EXISTS approval_entries (
                    id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
                    application_id TEXT NOT NULL REFERENCES applications(id),
                    sequence INT NOT NULL,
                    level TEXT NOT NULL,
                    assigned_to TEXT NOT NULL,
                    status TEXT NOT NULL,
                    action TEXT,
                    remarks TEXT,
                    comments TEXT,
                    request_id TEXT,
                    timestamp TIMESTAMPTZ NOT NULL,
                    deadline TIMESTAMPTZ NOT NULL,
                    UNIQUE (application_id, sequence),
                    UNIQUE (application_id, request_id)
                )`,
		},
		{
			ID:          "welfarekit-005",
			Description: "Create access_audit_log table",
			SQL: `
                CREATE TABLE IF NOT EXISTS access_audit_log (
                    id UUID PRIMARY KEY,
                    timestamp TIMESTAMPTZ NOT NULL DEFAULT current_timestamp,
                    event TEXT NOT NULL,
                    user_id TEXT,
                    actor_id TEXT,
                    permission TEXT,
                    decision TEXT,
                    reason TEXT,
                    role TEXT,
                    application_id TEXT,
                    action TEXT,
                    ip_address TEXT,
                    user_agent TEXT,
                    request_id TEXT,
                    metadata JSONB
                );
                CREATE INDEX IF NOT EXISTS audit_user_time_idx ON access_audit_log (user_id, timestamp DESC)`,
		},
	}
}
