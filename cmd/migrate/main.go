package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"civicops.org/internal/auth"
	"civicops.org/internal/migrate"
	"civicops.org/internal/scope"
	"civicops.org/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		dsn            = flag.String("dsn", os.Getenv("CIVICOPS_PG_DSN"), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "migrations/sql", "Path to SQL migrations")
		seedsPath      = flag.String("seeds", "migrations/seeds", "Path to SQL seeds")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or CIVICOPS_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|seed-users|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, *migrationsPath, *seedsPath)

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "seed-users":
		err = seedUsers(ctx, db)
	case "status":
		var statuses []migrate.Status
		statuses, err = mgr.Status(ctx)
		if err == nil {
			for _, s := range statuses {
				state := "pending"
				if s.Applied {
					state = "applied"
				}
				fmt.Printf("%-40s %s\n", s.Name, state)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}

// seedUsers writes demo accounts. Passwords are hashed here, not stored in
// SQL seed files, so the hashes stay tied to this code path.
func seedUsers(ctx context.Context, db *sql.DB) error {
	store := pg.NewWithDB(db)

	hash, err := auth.HashPassword("changeme")
	if err != nil {
		return err
	}

	demo := []auth.User{
		{
			ID: "seed-admin", Email: "admin@city.gov", PasswordHash: hash,
			Roles: []string{scope.RoleCityAdmin},
		},
		{
			ID: "seed-emp-1", Email: "emp1@city.gov", PasswordHash: hash,
			Modules: []auth.ModuleGrant{{
				ModuleKey: "twinbin", Role: scope.RoleEmployee,
				WardIDs: []string{"w1"}, CanWrite: true,
			}},
		},
		{
			ID: "seed-qc-1", Email: "qc1@city.gov", PasswordHash: hash,
			Modules: []auth.ModuleGrant{{
				ModuleKey: "twinbin", Role: scope.RoleQC,
				ZoneIDs: []string{"z1"}, CanWrite: true,
			}},
		},
		{
			ID: "seed-officer-1", Email: "officer1@city.gov", PasswordHash: hash,
			Modules: []auth.ModuleGrant{{
				ModuleKey: "twinbin", Role: scope.RoleActionOfficer,
				ZoneIDs: []string{"z1"}, CanWrite: true,
			}},
		},
	}
	for _, u := range demo {
		if err := store.UpsertUser(ctx, u); err != nil {
			return fmt.Errorf("seed user %s: %w", u.ID, err)
		}
		log.Printf("seeded %s (%s)", u.ID, u.Email)
	}
	return nil
}
