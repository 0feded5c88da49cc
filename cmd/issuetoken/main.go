// Command issuetoken signs an API access token for a client of the
// document service.  It reads JWT_SECRET from the environment or .env.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/iliyamo/ticket-documents/internal/middleware"
	"github.com/iliyamo/ticket-documents/internal/utils"
)

func main() {
	var (
		envFile = flag.String("env-file", ".env", "file to read JWT_SECRET from when it is not set")
		client  = flag.StringP("client", "c", "", "client id placed in the sub claim (required)")
		role    = flag.StringP("role", "r", middleware.RoleReader, "READER, VERIFIER or ADMIN")
		ttl     = flag.Duration("ttl", 24*time.Hour, "token lifetime")
	)
	flag.Parse()

	_ = godotenv.Load(*envFile)
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		fail("JWT_SECRET is not set")
	}
	if *client == "" {
		fail("--client is required")
	}
	r := strings.ToUpper(*role)
	switch r {
	case middleware.RoleReader, middleware.RoleVerifier, middleware.RoleAdmin:
	default:
		fail(fmt.Sprintf("unknown role %q", *role))
	}

	tok, err := utils.NewAccessToken(secret, *client, r, *ttl)
	if err != nil {
		fail(err.Error())
	}
	fmt.Println(tok.Token)
	fmt.Fprintf(os.Stderr, "expires %s\n", tok.Exp.Format(time.RFC3339))
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, "issuetoken:", msg)
	flag.Usage()
	os.Exit(2)
}
