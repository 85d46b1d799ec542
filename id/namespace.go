package id

// Entity kinds.
type (
	Tenant        struct{}
	User          struct{}
	Unit          struct{}
	Answer        struct{}
	AuthConnector struct{}
)

func (Tenant) Prefix() string        { return "tenant" }
func (User) Prefix() string          { return "user" }
func (Unit) Prefix() string          { return "unit" }
func (Answer) Prefix() string        { return "answer" }
func (AuthConnector) Prefix() string { return "authconnector" }

type (
	// TenantID identifies a tenant (prefix: "tenant").
	TenantID = ID[Tenant]

	// UserID identifies a user (prefix: "user").
	UserID = ID[User]

	// UnitID identifies an organizational unit (prefix: "unit").
	UnitID = ID[Unit]

	// AnswerID identifies a submitted answer (prefix: "answer").
	AnswerID = ID[Answer]

	// AuthConnectorID identifies an identity provider connection
	// (prefix: "authconnector").
	AuthConnectorID = ID[AuthConnector]
)
