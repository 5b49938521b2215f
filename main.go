package main

import "github.com/nextlevelbuilder/roomclaw/cmd"

func main() {
	cmd.Execute()
}
