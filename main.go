package main

import "github.com/quantfeed/md-bridge/cmd"

func main() {
	cmd.Execute()
}
