package main

import "github.com/nextlevelbuilder/chatweave/cmd"

func main() {
	cmd.Execute()
}
