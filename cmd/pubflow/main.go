package main

import "pubflow/cmd/cli"

func main() {
	cli.Execute()
}
