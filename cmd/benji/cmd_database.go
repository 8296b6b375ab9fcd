// cmd/benji/cmd_database.go implements database-init and
// database-migrate. metadata.OpenSQLite already runs every pending
// migration when newApp opens the store, so by the time either command
// runs the schema is already current; both just confirm that and report
// it, rather than duplicating the migration call.
package main

import (
	"context"
	"fmt"
)

func cmdDatabaseInit(ctx context.Context, a *App, args []string) error {
	return a.emit("database initialized", func() { fmt.Println("database initialized") })
}

func cmdDatabaseMigrate(ctx context.Context, a *App, args []string) error {
	return a.emit("database up to date", func() { fmt.Println("database up to date") })
}
