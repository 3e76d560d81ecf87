// Package globals defines the flags shared by every nodemod subcommand.
package globals

// Globals holds flags common to all subcommands.
type Globals struct {
	Verbose bool `help:"Enable debug logging" short:"v"`
}
