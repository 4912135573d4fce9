// Package main generates session grant keys, or signs a grant when -user is
// given, for local runs of the sync service.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/louisbranch/tablesync/internal/tools/grantkey"
)

func main() {
	var g grantkey.Grant
	flag.StringVar(&g.UserID, "user", "", "sign a grant for this user instead of generating keys")
	flag.StringVar(&g.Role, "role", "player", "grant role: owner, player or observer")
	flag.StringVar(&g.SessionID, "session", "", "restrict the grant to one session")
	flag.StringVar(&g.Issuer, "issuer", os.Getenv("TABLESYNC_GRANT_ISSUER"), "grant issuer")
	flag.StringVar(&g.Audience, "audience", os.Getenv("TABLESYNC_GRANT_AUDIENCE"), "grant audience")
	flag.DurationVar(&g.TTL, "ttl", time.Hour, "grant lifetime")
	flag.Parse()

	if g.UserID == "" {
		if err := grantkey.GenerateKeys(os.Stdout, nil); err != nil {
			log.Fatalf("generate grant key: %v", err)
		}
		return
	}
	g.PrivateKey = os.Getenv("TABLESYNC_GRANT_PRIVATE_KEY")
	token, err := grantkey.Sign(g)
	if err != nil {
		log.Fatalf("sign grant: %v", err)
	}
	fmt.Println(token)
}
