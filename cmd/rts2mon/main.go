// rts2mon is a line-protocol client for RTS2 device daemons: it
// connects, authenticates, and dumps or streams device values.
package main

import "github.com/mates14/rts2go/cmd/rts2mon/commands"

func main() {
	commands.Execute()
}
