// RTS2 filter wheel daemon with a simulated drive.
package main

import (
	"os"

	"github.com/mates14/rts2go/internal/app"
	"github.com/mates14/rts2go/internal/filterd"
)

func main() {
	os.Exit(app.Run(filterd.Class()))
}
