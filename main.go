package main

import (
	"github.com/sidkik/mcusync/cmd"
	"github.com/sidkik/mcusync/cmd/util"
)

func main() {
	defer util.HandlePanic()
	cmd.Execute()
}
