package models

type Identifier interface {
	GetId() int
}

type TenantScoped interface {
	GetBusinessId() string
}
