package main

import "github.com/fleetci/spotrun/cmd"

func main() {
	cmd.Execute()
}
