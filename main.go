// The main package for the groupmonitor executable.
package main

import (
	"github.com/JakeFAU/groupmonitor/cmd"
)

func main() {
	cmd.Execute()
}
