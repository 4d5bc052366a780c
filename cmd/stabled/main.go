package main

import "stable-ledger/internal/cli"

func main() {
	cli.Execute()
}
