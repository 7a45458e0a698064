// createtoken mints an access token for the agent or for manual API calls.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"waste-sync/internal/config"
	"waste-sync/internal/domain"
	"waste-sync/pkg/jwt"
)

func main() {
	user := flag.String("user", "", "user id to embed in the token")
	role := flag.String("role", string(domain.RoleWorker), "role: worker, recycler, citizen or admin")
	ttl := flag.Duration("ttl", 0, "token lifetime (defaults to JWT_EXPIRATION)")
	secret := flag.String("secret", "", "signing secret (defaults to JWT_SECRET)")
	flag.Parse()

	if *user == "" {
		fmt.Fprintln(os.Stderr, "-user is required")
		os.Exit(2)
	}
	if !domain.Role(*role).Valid() {
		fmt.Fprintf(os.Stderr, "unknown role %q\n", *role)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *secret == "" {
		*secret = cfg.JWT.Secret
	}
	if *ttl <= 0 {
		*ttl = cfg.JWT.Expiration
	}

	token, err := jwt.GenerateToken(*user, *role, *ttl, *secret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to sign token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires at %s\n", time.Now().Add(*ttl).Format(time.RFC3339))
}
