// The main package for the marketpulse executable.
package main

import "github.com/JakeFAU/marketpulse/cmd"

func main() {
	cmd.Execute()
}
