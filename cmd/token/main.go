// Command token mints an access token for local testing against a
// sync-service sharing the same JWT_SECRET.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"sync-service/internal/api"
)

func main() {
	user := flag.String("user", "", "user id (uid claim)")
	name := flag.String("name", "", "display name")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	operator := flag.Bool("operator", false, "grant the operator role")
	flag.Parse()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal("token: JWT_SECRET is empty")
	}
	if *user == "" {
		log.Fatal("token: -user is required")
	}
	issue := api.IssueToken
	if *operator {
		issue = api.IssueOperatorToken
	}
	tok, err := issue([]byte(secret), *user, *name, *ttl)
	if err != nil {
		log.Fatalf("token: %v", err)
	}
	fmt.Println(tok)
}
