// Package rts2 implements the RTS2 device driver runtime: the line
// protocol codec, the connection state machine, the command pipeline,
// the typed value catalogue, the device state word with BOP
// coordination, and the network manager that ties them together.
package rts2
