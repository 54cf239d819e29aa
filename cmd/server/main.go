package main

import "handoff/cmd/cli"

func main() {
	cli.Execute()
}
