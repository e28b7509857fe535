package types

// CatalogEvent documents one concrete event of the taxonomy.
type CatalogEvent struct {
	// example: user.after_create
	Name string `json:"name" example:"user.after_create"`
	// example: a user account was created
	Description string `json:"description,omitempty" example:"a user account was created"`
	// Go payload type delivered with the event; empty for free-form payloads.
	// example: UserPayload
	Payload string `json:"payload,omitempty" example:"UserPayload"`
}

// CatalogDomain groups the events of one domain.
type CatalogDomain struct {
	// example: user
	Name   string         `json:"name" example:"user"`
	Events []CatalogEvent `json:"events"`
}

// CatalogResponse is returned by GET /events/catalog.
type CatalogResponse struct {
	// Revision of the built-in taxonomy.
	// example: 1.3.0
	Version string          `json:"version" example:"1.3.0"`
	Domains []CatalogDomain `json:"domains"`
	// Flattened, lexically sorted list of every concrete event name.
	Events []string `json:"events"`
}
