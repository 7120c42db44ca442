package main

import (
	"github.com/BioHazard786/warpcall/cmd"
	"github.com/BioHazard786/warpcall/internal/logging"
)

func main() {
	// Initialize logging; the session re-initializes it once config is loaded
	logging.Init("")
	cmd.Execute()
}
