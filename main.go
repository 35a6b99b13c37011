package main

import "github.com/jeffersonwarrior/aimux/cmd"

func main() {
	cmd.Execute()
}
