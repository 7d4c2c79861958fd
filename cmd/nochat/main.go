// The entrypoint for the nochat crypto CLI.
package main

import (
	"log"

	"github.com/CatsMeow492/nochat.io/cmd/nochat/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
