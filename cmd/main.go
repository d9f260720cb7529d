// cmd/main.go is the application entry point. Subcommands live in
// internal/cli; `waitroom serve` starts the HTTP server.
package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/Shivanand-hulikatti/referral-waitroom/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		log.WithError(err).Debug("command failed")
		os.Exit(1)
	}
}
