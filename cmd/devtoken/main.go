// Command devtoken mints access tokens for local development and the
// WebSocket smoke client. It needs STUDYMATE_PASETO_V4_SECRET_KEY_HEX.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/vnioa/StudyMate-sub002/cmd/identity/ids"
	"github.com/vnioa/StudyMate-sub002/cmd/internal/auth/session"
)

func main() {
	var (
		ttl     = flag.Duration("ttl", time.Hour, "Token lifetime")
		withSID = flag.Bool("session", true, "Embed a fresh session id")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: devtoken [flags] user-id...\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fatalf("load .env: %v", err)
	}
	cfg, err := session.LoadConfigFromEnv()
	if err != nil {
		fatalf("token config: %v", err)
	}
	cfg.AccessTokenTTL = *ttl

	minter, err := session.NewPasetoV4(cfg)
	if err != nil {
		fatalf("token manager: %v", err)
	}

	now := time.Now().UTC()
	for _, userID := range flag.Args() {
		var sid string
		if *withSID {
			sid = ids.MustULID(now)
		}
		tok, _, err := minter.Issue(userID, sid, now)
		if err != nil {
			fatalf("issue %s: %v", userID, err)
		}
		fmt.Println(tok)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "devtoken: "+format+"\n", args...)
	os.Exit(1)
}
