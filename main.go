package main

import "github.com/nextlevelbuilder/clawstream/cmd"

func main() {
	cmd.Execute()
}
