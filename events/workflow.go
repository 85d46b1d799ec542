package events

import "github.com/bjaus/dispatcher/id"

// UnitWorkflowID returns the id of the long-running workflow of one unit.
// The id is stable for the lifetime of the unit so signals reach the same
// execution day after day.
func UnitWorkflowID(tenant id.TenantID, unit id.UnitID) string {
	return "unit-cycle/" + tenant.String() + "/" + unit.String()
}

// TenantWorkflowID returns the id of the tenant's directory workflow.
func TenantWorkflowID(tenant id.TenantID) string {
	return "tenant-directory/" + tenant.String()
}
