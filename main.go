package main

import "proximichat/cmd"

func main() {
	cmd.Run()
}
