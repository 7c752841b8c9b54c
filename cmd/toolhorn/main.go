package main

import (
	"os"

	"github.com/nuetzliches/toolhorn/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}
