package main

import "github.com/ralphbot/ralph/cmd"

func main() {
	cmd.Execute()
}
