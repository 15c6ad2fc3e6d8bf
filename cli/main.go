package main

import "southwinds.dev/tryst/cli/cmd"

func main() {
	cmd.Execute()
}
