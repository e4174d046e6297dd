package main

import "github.com/figrelay/figrelay/cmd/figrelay/commands"

func main() {
	commands.Execute()
}
