// Package events declares the domain events the dispatcher delivers and the
// workflows they are addressed to.
package events

import (
	"errors"
	"time"

	"github.com/bjaus/dispatcher"
	"github.com/bjaus/dispatcher/id"
)

// Signal names understood by the target workflows.
const (
	SignalDailyTrigger        = "dailyTrigger"
	SignalAnswerSubmitted     = "answerSubmitted"
	SignalAuthConnectorSynced = "authConnectorSynced"
)

// DateLayout is the calendar date format used by DailyTrigger.
const DateLayout = time.DateOnly

// DailyTrigger starts the daily cycle of one unit.
type DailyTrigger struct {
	TenantID id.TenantID `json:"tenantId"`
	UnitID   id.UnitID   `json:"unitId"`
	Date     string      `json:"date"`
}

func (DailyTrigger) EventType() string { return "DailyTrigger" }

// Validate reports missing or malformed fields.
func (e DailyTrigger) Validate() error {
	var errs []error
	if e.TenantID.IsZero() {
		errs = append(errs, errors.New("tenantId is required"))
	}
	if e.UnitID.IsZero() {
		errs = append(errs, errors.New("unitId is required"))
	}
	if _, err := time.Parse(DateLayout, e.Date); err != nil {
		errs = append(errs, errors.New("date must be YYYY-MM-DD"))
	}
	return errors.Join(errs...)
}

// AnswerSubmitted reports an answer a user gave in a unit's daily cycle.
type AnswerSubmitted struct {
	TenantID    id.TenantID `json:"tenantId"`
	UnitID      id.UnitID   `json:"unitId"`
	UserID      id.UserID   `json:"userId"`
	AnswerID    id.AnswerID `json:"answerId"`
	SubmittedAt time.Time   `json:"submittedAt"`
}

func (AnswerSubmitted) EventType() string { return "AnswerSubmitted" }

// Validate reports missing or malformed fields.
func (e AnswerSubmitted) Validate() error {
	var errs []error
	if e.TenantID.IsZero() {
		errs = append(errs, errors.New("tenantId is required"))
	}
	if e.UnitID.IsZero() {
		errs = append(errs, errors.New("unitId is required"))
	}
	if e.UserID.IsZero() {
		errs = append(errs, errors.New("userId is required"))
	}
	if e.AnswerID.IsZero() {
		errs = append(errs, errors.New("answerId is required"))
	}
	return errors.Join(errs...)
}

// AuthConnectorSynced reports that a tenant's identity provider connection
// finished a directory sync.
type AuthConnectorSynced struct {
	TenantID        id.TenantID        `json:"tenantId"`
	AuthConnectorID id.AuthConnectorID `json:"authConnectorId"`
	UsersAdded      int                `json:"usersAdded"`
	UsersRemoved    int                `json:"usersRemoved"`
}

func (AuthConnectorSynced) EventType() string { return "AuthConnectorSynced" }

// Validate reports missing or malformed fields.
func (e AuthConnectorSynced) Validate() error {
	var errs []error
	if e.TenantID.IsZero() {
		errs = append(errs, errors.New("tenantId is required"))
	}
	if e.AuthConnectorID.IsZero() {
		errs = append(errs, errors.New("authConnectorId is required"))
	}
	if e.UsersAdded < 0 || e.UsersRemoved < 0 {
		errs = append(errs, errors.New("user counts must not be negative"))
	}
	return errors.Join(errs...)
}

// Definitions returns the registry entries for every event in this package.
func Definitions() []dispatcher.Definition {
	return []dispatcher.Definition{
		dispatcher.Define(routeDailyTrigger,
			dispatcher.WithSignalName(SignalDailyTrigger),
			dispatcher.WithGuard(dispatcher.All(
				dispatcher.RequireFields("tenantId", "unitId", "date"),
				dispatcher.FieldPrefix("unitId", id.Unit{}.Prefix()+"_"),
			)),
		),
		dispatcher.Define(routeAnswerSubmitted,
			dispatcher.WithSignalName(SignalAnswerSubmitted),
			dispatcher.WithGuard(dispatcher.RequireFields("tenantId", "unitId", "userId", "answerId")),
		),
		dispatcher.Define(routeAuthConnectorSynced,
			dispatcher.WithSignalName(SignalAuthConnectorSynced),
			dispatcher.WithGuard(dispatcher.RequireFields("tenantId", "authConnectorId")),
		),
	}
}

// Registry builds a registry from Definitions.
func Registry() (*dispatcher.Registry, error) {
	return dispatcher.Build(Definitions()...)
}

func routeDailyTrigger(e DailyTrigger) (dispatcher.Locator, error) {
	return dispatcher.Locator{WorkflowID: UnitWorkflowID(e.TenantID, e.UnitID)}, nil
}

// Answers belong to the same unit cycle the daily trigger started.
func routeAnswerSubmitted(e AnswerSubmitted) (dispatcher.Locator, error) {
	return dispatcher.Locator{WorkflowID: UnitWorkflowID(e.TenantID, e.UnitID)}, nil
}

func routeAuthConnectorSynced(e AuthConnectorSynced) (dispatcher.Locator, error) {
	return dispatcher.Locator{WorkflowID: TenantWorkflowID(e.TenantID)}, nil
}
