package main

import "github.com/kaiwen1281/MOSSAI/services/analyzer/cli"

func main() {
	cli.Execute()
}
