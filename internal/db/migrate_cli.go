package db

import (
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
)

// MigrateActions lists the actions accepted by RunMigrateCommand.
var MigrateActions = []string{"up", "down", "status", "version", "force"}

// ErrForceNotConfirmed is returned by "force" without confirmation.
var ErrForceNotConfirmed = errors.New("force requires confirmation")

// RunMigrateCommand opens dbPath without migrating and runs action against
// it. "version" and "force" take the target version as arg.
func RunMigrateCommand(out io.Writer, dbPath, action, arg string, confirmed bool) error {
	database, err := OpenDB(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	switch action {
	case "up":
		log.Printf("Running migrations...")
		if err := database.MigrateUp(); err != nil {
			return err
		}
		log.Println("✓ All migrations applied successfully")
		return printStatus(out, database)

	case "down":
		log.Printf("Rolling back one migration...")
		if err := database.MigrateDown(); err != nil {
			return err
		}
		log.Println("✓ Migration rolled back successfully")
		return printStatus(out, database)

	case "status":
		return printStatus(out, database)

	case "version":
		target, err := strconv.ParseUint(arg, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number %q", arg)
		}
		log.Printf("Migrating to version %d...", target)
		if err := database.MigrateTo(uint(target)); err != nil {
			return err
		}
		log.Printf("✓ Migrated to version %d successfully", target)
		return nil

	case "force":
		target, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("invalid version number %q", arg)
		}
		if !confirmed {
			return fmt.Errorf("%w: forcing version %d is only for recovering a dirty database", ErrForceNotConfirmed, target)
		}
		if err := database.MigrateForce(target); err != nil {
			return err
		}
		log.Printf("✓ Migration version forced to %d", target)
		return nil
	}
	return fmt.Errorf("unknown migrate action %q (want one of %v)", action, MigrateActions)
}

func printStatus(out io.Writer, database *DB) error {
	st, err := database.GetMigrationStatus()
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}
	fmt.Fprintln(out, "=== Migration Status ===")
	fmt.Fprintf(out, "Current version: %d\n", st.Current)
	fmt.Fprintf(out, "Latest available: %d\n", st.Latest)
	fmt.Fprintf(out, "Dirty: %v\n", st.Dirty)
	switch {
	case st.Dirty:
		fmt.Fprintln(out, "\n⚠️  WARNING: Database is in a dirty state!")
		fmt.Fprintln(out, "Inspect the database, fix it, then run: callaudit migrate force <version> --yes")
	case st.Pending():
		fmt.Fprintf(out, "⚠️  Database is %d version(s) behind. Run 'callaudit migrate up' to update.\n", st.Latest-st.Current)
	default:
		fmt.Fprintln(out, "✓ Database is up to date!")
	}
	return nil
}
