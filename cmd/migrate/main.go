package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"confportal.org/internal/auth"
	"confportal.org/internal/ids"
	"confportal.org/internal/migrate"
	"confportal.org/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		dsn            = flag.String("dsn", os.Getenv("PORTAL_PG_DSN"), "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "ops/migrations/sql", "Path to SQL migrations")
		seedsPath      = flag.String("seeds", "ops/migrations/seeds", "Path to SQL seeds")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or PORTAL_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status|create-superuser]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := pg.OpenAndPing(ctx, *dsn)
	if err != nil {
		log.Fatalf("connect db: %v", err)
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
	case "status":
		var applied, pending []string
		applied, err = mgr.Status(ctx)
		if err == nil {
			pending, err = mgr.Pending(ctx)
		}
		if err == nil {
			for _, item := range applied {
				fmt.Printf("applied  %s\n", item)
			}
			for _, item := range pending {
				fmt.Printf("pending  %s\n", item)
			}
		}
	case "create-superuser":
		err = createSuperuser(ctx, db)
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}

// createSuperuser bootstraps the first admin account. Credentials come from
// the environment so the password never lands in shell history.
func createSuperuser(ctx context.Context, db *sql.DB) error {
	email := strings.TrimSpace(strings.ToLower(os.Getenv("PORTAL_SUPERUSER_EMAIL")))
	password := os.Getenv("PORTAL_SUPERUSER_PASSWORD")
	if email == "" || password == "" {
		return errors.New("PORTAL_SUPERUSER_EMAIL and PORTAL_SUPERUSER_PASSWORD are required")
	}
	if err := auth.ValidatePasswordStrength(password); err != nil {
		return err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	user := &auth.User{
		ID:           ids.New(),
		Email:        email,
		DisplayName:  "Administrator",
		PasswordHash: hash,
		IsActive:     true,
		Verified:     true,
		IsAdmin:      true,
		IsSuperuser:  true,
	}
	if err := auth.NewPGStore(db).Users(ctx).Create(ctx, user); err != nil {
		if errors.Is(err, auth.ErrConflict) {
			return fmt.Errorf("user %s already exists", email)
		}
		return err
	}
	fmt.Printf("superuser %s created (id %s)\n", email, user.ID)
	return nil
}
