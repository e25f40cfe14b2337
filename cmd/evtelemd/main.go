package main

import "github.com/mjelva/evtelem/internal/cli"

func main() {
	cli.Execute()
}
