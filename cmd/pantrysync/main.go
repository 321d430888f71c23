package main

import (
	"os"

	"github.com/nuetzliches/pantrysync/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}
