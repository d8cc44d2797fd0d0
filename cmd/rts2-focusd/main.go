// RTS2 focuser daemon with a simulated stage.
package main

import (
	"os"

	"github.com/mates14/rts2go/internal/app"
	"github.com/mates14/rts2go/internal/focusd"
)

func main() {
	os.Exit(app.Run(focusd.Class()))
}
