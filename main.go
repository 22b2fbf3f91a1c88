package main

import "github.com/gortc/iceagent/internal/cli"

func main() {
	cli.Execute()
}
