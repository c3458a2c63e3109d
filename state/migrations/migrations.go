package migrations

import _ "embed"

// Migration represents a single SQL migration to apply in order.
type Migration struct {
	ID     string
	Script string
}

//go:embed 0001_ensembles.sql
var ensembles string

//go:embed 0002_run_events.sql
var runEvents string

// All lists migrations in application order.
var All = []Migration{
	{ID: "0001_ensembles", Script: ensembles},
	{ID: "0002_run_events", Script: runEvents},
}
