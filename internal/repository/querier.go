package repository

import "github.com/jmoiron/sqlx"

// Querier is the query surface shared by *sqlx.DB and *sqlx.Tx. Admission
// repositories take it where a call must be able to run inside the
// offering lock transaction as well as on the bare pool.
type Querier interface {
	sqlx.ExtContext
}
