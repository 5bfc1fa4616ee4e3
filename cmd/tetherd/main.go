package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mvbatista/tether/internal/app"
	"github.com/mvbatista/tether/internal/profile"
	"github.com/mvbatista/tether/internal/remote"
	"go.uber.org/fx"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	userFlag := flag.String("user", "local", "local user id")
	flag.Parse()

	profileName := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(profileName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// The remote store is a collaborator; deployments wire a real transport
	// here. The in-memory store keeps a standalone daemon functional.
	application := fx.New(
		app.Module(app.Params{
			ProfileName: profileName,
			UserID:      *userFlag,
			Remote:      remote.NewMemory(),
		}),
	)

	application.Run()
}
