package main

import "github.com/guardpost/guardpost/cmd/guardpost/commands"

func main() {
	commands.Execute()
}
