package records

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"hms/internal/audit"
	"hms/internal/authz"
	"hms/internal/gateway"
	"hms/pkg/authn"
	"hms/pkg/db"
	"hms/pkg/problems"
	"hms/pkg/tenants"
)

// Patient is a row of the tenant's patients table.
type Patient struct {
	ID          uuid.UUID  `json:"id"`
	MRN         string     `json:"mrn"`
	FullName    string     `json:"full_name"`
	DateOfBirth *time.Time `json:"date_of_birth,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type createPatientBody struct {
	MRN         string `json:"mrn"`
	FullName    string `json:"full_name"`
	DateOfBirth string `json:"date_of_birth"`
}

// Routes are the hospital-surface operations. Queries use unqualified table
// names; the bound search_path decides whose rows they see.
func Routes() []gateway.Route {
	return []gateway.Route{
		{Method: http.MethodGet, Pattern: "/patients", Summary: "List patients",
			Surface: authz.SurfaceHospital, Resource: authz.ResourcePatientRecord, Action: authz.ActionRead,
			Handler: listPatients},
		{Method: http.MethodGet, Pattern: "/patients/{id}", Summary: "Get a patient",
			Surface: authz.SurfaceHospital, Resource: authz.ResourcePatientRecord, Action: authz.ActionRead,
			ResourceIDParam: "id", Handler: getPatient},
		{Method: http.MethodPost, Pattern: "/patients", Summary: "Register a patient",
			Surface: authz.SurfaceHospital, Resource: authz.ResourcePatientRecord, Action: authz.ActionWrite,
			Handler: createPatient},
		{Method: http.MethodDelete, Pattern: "/patients/{id}", Summary: "Delete a patient",
			Surface: authz.SurfaceHospital, Resource: authz.ResourcePatientRecord, Action: authz.ActionDelete,
			ResourceIDParam: "id", Handler: deletePatient},
		{Method: http.MethodGet, Pattern: "/audit", Summary: "Read the tenant audit trail",
			Surface: authz.SurfaceHospital, Resource: authz.ResourceAuditEntry, Action: authz.ActionRead,
			Handler: listAudit},
	}
}

const patientColumns = `id, mrn, full_name, date_of_birth, created_at`

func scanPatient(row pgx.Row) (Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.MRN, &p.FullName, &p.DateOfBirth, &p.CreatedAt)
	return p, err
}

func listPatients(ctx context.Context, conn db.Conn, _ authn.Principal, _ tenants.Tenant, r *http.Request) (gateway.Result, error) {
	rows, err := conn.Query(ctx, `SELECT `+patientColumns+` FROM patients ORDER BY created_at DESC LIMIT $1`, limit(r))
	if err != nil {
		return gateway.Result{}, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()
	out := []Patient{}
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return gateway.Result{}, fmt.Errorf("scan patient: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return gateway.Result{}, err
	}
	return gateway.Result{Body: map[string]any{"patients": out}}, nil
}

func getPatient(ctx context.Context, conn db.Conn, _ authn.Principal, _ tenants.Tenant, r *http.Request) (gateway.Result, error) {
	id, err := patientID(r)
	if err != nil {
		return gateway.Result{}, err
	}
	p, err := scanPatient(conn.QueryRow(ctx, `SELECT `+patientColumns+` FROM patients WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return gateway.Result{}, fmt.Errorf("%w: patient %s", problems.ErrNotFound, id)
	}
	if err != nil {
		return gateway.Result{}, fmt.Errorf("get patient: %w", err)
	}
	return gateway.Result{Body: p}, nil
}

func createPatient(ctx context.Context, conn db.Conn, _ authn.Principal, _ tenants.Tenant, r *http.Request) (gateway.Result, error) {
	var b createPatientBody
	if err := gateway.DecodeJSON(r, &b); err != nil {
		return gateway.Result{}, err
	}
	b.MRN, b.FullName = strings.TrimSpace(b.MRN), strings.TrimSpace(b.FullName)
	if b.MRN == "" || b.FullName == "" {
		return gateway.Result{}, fmt.Errorf("%w: mrn and full_name are required", problems.ErrInvalidRequest)
	}
	var dob *time.Time
	if b.DateOfBirth != "" {
		d, err := time.Parse(time.DateOnly, b.DateOfBirth)
		if err != nil {
			return gateway.Result{}, fmt.Errorf("%w: date_of_birth: %v", problems.ErrInvalidRequest, err)
		}
		dob = &d
	}
	p, err := scanPatient(conn.QueryRow(ctx,
		`INSERT INTO patients (mrn, full_name, date_of_birth) VALUES ($1, $2, $3) RETURNING `+patientColumns,
		b.MRN, b.FullName, dob))
	if err != nil {
		return gateway.Result{}, fmt.Errorf("insert patient: %w", err)
	}
	return gateway.Result{Status: http.StatusCreated, Body: p, ResourceID: p.ID.String()}, nil
}

func deletePatient(ctx context.Context, conn db.Conn, _ authn.Principal, _ tenants.Tenant, r *http.Request) (gateway.Result, error) {
	id, err := patientID(r)
	if err != nil {
		return gateway.Result{}, err
	}
	tag, err := conn.Exec(ctx, `DELETE FROM patients WHERE id=$1`, id)
	if err != nil {
		return gateway.Result{}, fmt.Errorf("delete patient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return gateway.Result{}, fmt.Errorf("%w: patient %s", problems.ErrNotFound, id)
	}
	return gateway.Result{Status: http.StatusNoContent}, nil
}

func listAudit(ctx context.Context, conn db.Conn, _ authn.Principal, _ tenants.Tenant, r *http.Request) (gateway.Result, error) {
	entries, err := audit.List(ctx, conn, limit(r))
	if err != nil {
		return gateway.Result{}, err
	}
	return gateway.Result{Body: map[string]any{"entries": entries}}, nil
}

func patientID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: patient id", problems.ErrInvalidRequest)
	}
	return id, nil
}

func limit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 || n > 500 {
		return 100
	}
	return n
}
