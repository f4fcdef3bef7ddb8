package authz

import "fmt"

// Surface is the product surface an application may call.
type Surface string

const (
	SurfaceHospital Surface = "hospital"
	SurfaceOperator Surface = "operator"
)

type ResourceClass string

const (
	ResourcePatientRecord ResourceClass = "patient_record"
	ResourceAppointment   ResourceClass = "appointment"
	ResourceBillingRecord ResourceClass = "billing_record"
	ResourceStaffRecord   ResourceClass = "staff_record"
	ResourceNotification  ResourceClass = "notification"
	ResourceAuditEntry    ResourceClass = "audit_entry"
	ResourceTenant        ResourceClass = "tenant"
)

type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
)

// StateChanging reports whether the action must be audited.
func (a Action) StateChanging() bool { return a == ActionWrite || a == ActionDelete }

type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Grant is one row of the permission matrix.
type Grant struct {
	Role     string
	Resource ResourceClass
	Action   Action
	Effect   Effect
}

// AppIdentity is a registered client application. Secret is held only as a
// digest once loaded.
type AppIdentity struct {
	ID       string
	Secret   string
	Surfaces []Surface
}

var (
	surfaces  = map[Surface]bool{SurfaceHospital: true, SurfaceOperator: true}
	resources = map[ResourceClass]bool{
		ResourcePatientRecord: true, ResourceAppointment: true, ResourceBillingRecord: true,
		ResourceStaffRecord: true, ResourceNotification: true, ResourceAuditEntry: true, ResourceTenant: true,
	}
	actions = map[Action]bool{ActionRead: true, ActionWrite: true, ActionDelete: true}
)

func ParseSurface(s string) (Surface, error) {
	if !surfaces[Surface(s)] {
		return "", fmt.Errorf("unknown surface %q", s)
	}
	return Surface(s), nil
}

func ParseResource(s string) (ResourceClass, error) {
	if !resources[ResourceClass(s)] {
		return "", fmt.Errorf("unknown resource class %q", s)
	}
	return ResourceClass(s), nil
}

func ParseAction(s string) (Action, error) {
	if !actions[Action(s)] {
		return "", fmt.Errorf("unknown action %q", s)
	}
	return Action(s), nil
}

// Decision records which rule settled a request.
type Decision string

const (
	DecisionAllow        Decision = "allow"
	DecisionDenyExplicit Decision = "deny_explicit"
	DecisionDenyDefault  Decision = "deny_default"
	DecisionDenyApp      Decision = "deny_app"
	DecisionDenyTenant   Decision = "deny_tenant"
	DecisionDenyRefiner  Decision = "deny_refiner"
)
