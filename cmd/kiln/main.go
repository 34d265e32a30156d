package main

import (
	"os"

	"kiln/internal/kiln"
)

func main() {
	os.Exit(kiln.Main())
}
