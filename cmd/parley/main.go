// Command parley runs the chat synchronization server.
package main

import (
	"log"

	"parley/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
