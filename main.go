package main

import "github.com/nextlevelbuilder/clawline/cmd"

func main() {
	cmd.Execute()
}
