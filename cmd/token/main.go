// Command token mints a bearer token for local testing.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"rollcall/internal/auth"
	"rollcall/internal/config"
)

func main() {
	subject := flag.String("sub", "", "user id carried in the token")
	role := flag.String("role", auth.RoleStudent, "teacher or student")
	name := flag.String("name", "", "display name")
	flag.Parse()

	if *subject == "" || !auth.ValidRole(*role) {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	pair, err := auth.Issue(*subject, *role, *name, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}
	fmt.Println(pair.AccessToken)
}
