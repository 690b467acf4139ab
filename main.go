package main

import "github.com/vedsharma/apicli/cmd"

func main() {
	cmd.Execute()
}
