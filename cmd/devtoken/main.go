// Command devtoken mints a bearer token for local testing, signed with the
// server's configured JWT secret.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fenggwsx/SlashLive/internal/auth"
	"github.com/fenggwsx/SlashLive/internal/config"
)

func main() {
	userID := flag.Uint("user", 0, "user id to embed in the token")
	username := flag.String("name", "", "username to embed in the token")
	flag.Parse()

	if *userID == 0 {
		fmt.Fprintln(os.Stderr, "usage: devtoken -user <id> [-name <username>]")
		os.Exit(2)
	}

	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	token, err := auth.NewToken(cfg.JWT, *userID, *username)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sign token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
