package main

import "github.com/zrelay/zrelay/internal/cli"

func main() {
	cli.Execute()
}
