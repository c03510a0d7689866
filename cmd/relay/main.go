package main

import "github.com/envelope-labs/relay/internal/cli"

func main() {
	cli.Execute()
}
