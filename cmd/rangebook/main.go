package main

import "github.com/jmcleod/rangebook/cmd/rangebook/cmd"

func main() {
	cmd.Execute()
}
