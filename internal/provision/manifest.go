package provision

import (
	"strings"

	"github.com/jackc/pgx/v5"
)

// Migration is one step of the tenant namespace manifest. Steps are applied
// in slice order and never edited once released; changes are new steps.
type Migration struct {
	Version int
	Name    string
	SQL     string // {{schema}} and {{role}} are replaced with quoted identifiers
}

var Manifest = []Migration{
	{Version: 1, Name: "baseline", SQL: baselineSQL},
	{Version: 2, Name: "notification_read_at", SQL: `
ALTER TABLE {{schema}}.notifications ADD COLUMN IF NOT EXISTS read_at timestamptz;
CREATE INDEX IF NOT EXISTS notifications_unread_idx ON {{schema}}.notifications(recipient_user_id) WHERE read_at IS NULL;
`},
}

func LatestVersion() int { return Manifest[len(Manifest)-1].Version }

// pending returns the steps newer than version, in order.
func pending(version int) []Migration {
	var out []Migration
	for _, m := range Manifest {
		if m.Version > version {
			out = append(out, m)
		}
	}
	return out
}

func render(sql, schema, role string) string {
	return strings.NewReplacer(
		"{{schema}}", pgx.Identifier{schema}.Sanitize(),
		"{{role}}", pgx.Identifier{role}.Sanitize(),
	).Replace(sql)
}

const baselineSQL = `
CREATE TABLE {{schema}}.patients (
  id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
  mrn text NOT NULL UNIQUE,
  full_name text NOT NULL,
  date_of_birth date,
  created_at timestamptz NOT NULL DEFAULT NOW(),
  updated_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE TABLE {{schema}}.staff (
  id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
  user_id text NOT NULL UNIQUE,
  full_name text NOT NULL,
  role_name text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE TABLE {{schema}}.appointments (
  id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
  patient_id uuid NOT NULL REFERENCES {{schema}}.patients(id),
  staff_id uuid REFERENCES {{schema}}.staff(id),
  scheduled_at timestamptz NOT NULL,
  status text NOT NULL DEFAULT 'scheduled' CHECK (status IN ('scheduled','completed','cancelled')),
  created_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE INDEX appointments_patient_idx ON {{schema}}.appointments(patient_id);
CREATE INDEX appointments_scheduled_idx ON {{schema}}.appointments(scheduled_at);
CREATE TABLE {{schema}}.billing_records (
  id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
  patient_id uuid NOT NULL REFERENCES {{schema}}.patients(id),
  amount_cents bigint NOT NULL,
  currency text NOT NULL DEFAULT 'USD',
  status text NOT NULL DEFAULT 'open' CHECK (status IN ('open','paid','void')),
  created_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE INDEX billing_records_patient_idx ON {{schema}}.billing_records(patient_id);
CREATE TABLE {{schema}}.notifications (
  id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
  recipient_user_id text NOT NULL,
  body text NOT NULL,
  created_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE TABLE {{schema}}.roles (
  name text PRIMARY KEY,
  description text NOT NULL DEFAULT ''
);
CREATE TABLE {{schema}}.tenant_config (
  key text PRIMARY KEY,
  value jsonb NOT NULL
);
CREATE TABLE {{schema}}.audit_log (
  id uuid PRIMARY KEY,
  tenant_id text NOT NULL,
  principal_id text NOT NULL,
  action text NOT NULL,
  resource text NOT NULL,
  resource_id text,
  outcome text NOT NULL CHECK (outcome IN ('success','failure')),
  occurred_at timestamptz NOT NULL,
  request_id text NOT NULL DEFAULT ''
);
CREATE INDEX audit_log_occurred_idx ON {{schema}}.audit_log(occurred_at);
CREATE FUNCTION {{schema}}.audit_log_append_only() RETURNS trigger
LANGUAGE plpgsql AS $$
BEGIN
  RAISE EXCEPTION 'audit_log is append-only';
END $$;
CREATE TRIGGER audit_log_no_mutation BEFORE UPDATE OR DELETE ON {{schema}}.audit_log
  FOR EACH ROW EXECUTE FUNCTION {{schema}}.audit_log_append_only();
CREATE TRIGGER audit_log_no_truncate BEFORE TRUNCATE ON {{schema}}.audit_log
  FOR EACH STATEMENT EXECUTE FUNCTION {{schema}}.audit_log_append_only();
GRANT SELECT, INSERT, UPDATE, DELETE ON
  {{schema}}.patients, {{schema}}.staff, {{schema}}.appointments,
  {{schema}}.billing_records, {{schema}}.notifications,
  {{schema}}.roles, {{schema}}.tenant_config
  TO {{role}};
GRANT SELECT, INSERT ON {{schema}}.audit_log TO {{role}};
`

// defaultRoles are seeded into every new tenant; they match the role names
// in the shipped policy file.
var defaultRoles = []struct{ name, description string }{
	{"admin", "Hospital administrator"},
	{"doctor", "Physician"},
	{"nurse", "Nursing staff"},
	{"billing_clerk", "Billing and claims"},
	{"receptionist", "Front desk"},
}
