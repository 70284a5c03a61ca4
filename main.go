// The main package for the story-pipeline executable.
package main

import (
	"github.com/JakeFAU/story-pipeline/cmd"
)

func main() {
	cmd.Execute()
}
