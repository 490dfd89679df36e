package main

import "github.com/jmcleod/cloudcam/cmd/cloudcam/cmd"

func main() {
	cmd.Execute()
}
