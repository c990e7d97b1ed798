// The main package for the crawler executable.
package main

import (
	_ "time/tzdata"

	"github.com/JakeFAU/apartment-sales-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
