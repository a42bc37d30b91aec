package main

import "github.com/summa-ledger/summad/internal/cli"

func main() {
	cli.Execute()
}
