package main

import "peerlink/cmd"

func main() {
	cmd.Execute()
}
