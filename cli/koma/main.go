package main

import (
	"os"

	"github.com/joho/godotenv"

	komacmder "github.com/inkstonelab/koma/cmd/koma"
)

func main() {
	// Best-effort: a .env file is optional.
	_ = godotenv.Load()

	cmd := komacmder.NewKomaCmd()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
