package main

import "github.com/veilmsg/veil/cmd/veil/cmd"

func main() {
	cmd.Execute()
}
