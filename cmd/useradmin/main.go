// Command useradmin inserts a new user row into the persistent store.
//
// Usage:
//
//	useradmin -token=... -priority=5 -threshold=50 -name="Jane Doe" \
//	    -organization=acme -email=jane@acme.com [-client-type=chat] \
//	    [-routing-mode=any]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/nulpointcorp/vllm-gateway/internal/model"
	"github.com/nulpointcorp/vllm-gateway/internal/store"
)

func main() {
	token := flag.String("token", "", "user token (required)")
	priority := flag.Int("priority", -1, "priority value (required)")
	threshold := flag.Int("threshold", -1, "threshold value (required)")
	name := flag.String("name", "", "user's full name (required)")
	organization := flag.String("organization", "", "organization name (required)")
	email := flag.String("email", "", "email address (required)")
	clientType := flag.String("client-type", "", "client type (optional, omit for NULL)")
	routingMode := flag.String("routing-mode", string(model.RoutingAny), "default routing mode: any, private-first, or private-only")
	databaseURL := flag.String("database-url", os.Getenv("DATABASE_URL"), "Postgres connection string (defaults to $DATABASE_URL)")
	flag.Parse()

	if err := validate(*token, *priority, *threshold, *name, *organization, *email, *databaseURL); err != nil {
		fmt.Fprintln(os.Stderr, "useradmin:", err)
		flag.Usage()
		os.Exit(2)
	}

	mode := model.RoutingMode(*routingMode)
	if !mode.Valid() {
		fmt.Fprintf(os.Stderr, "useradmin: invalid -routing-mode %q\n", *routingMode)
		os.Exit(2)
	}

	ctx := context.Background()
	pgStore, err := store.NewPostgresStore(ctx, *databaseURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "useradmin: connect store:", err)
		os.Exit(1)
	}
	defer pgStore.Close()

	u := model.User{
		Token:              *token,
		Priority:           *priority,
		Threshold:          *threshold,
		ClientType:         *clientType,
		Name:               *name,
		Organization:       *organization,
		Email:              *email,
		DefaultRoutingMode: mode,
	}

	if err := pgStore.CreateUser(ctx, u); err != nil {
		fmt.Fprintln(os.Stderr, "useradmin: create user:", err)
		os.Exit(1)
	}

	fmt.Printf("user %q inserted successfully\n", *name)
}

func validate(token string, priority, threshold int, name, organization, email, databaseURL string) error {
	if token == "" {
		return fmt.Errorf("-token is required")
	}
	if priority < 0 {
		return fmt.Errorf("-priority is required")
	}
	if threshold < 0 {
		return fmt.Errorf("-threshold is required")
	}
	if name == "" {
		return fmt.Errorf("-name is required")
	}
	if organization == "" {
		return fmt.Errorf("-organization is required")
	}
	if email == "" {
		return fmt.Errorf("-email is required")
	}
	if databaseURL == "" {
		return fmt.Errorf("-database-url or $DATABASE_URL is required")
	}
	return nil
}
