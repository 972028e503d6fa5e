package main

import "github.com/vietddude/repopulse/internal/cli"

func main() {
	cli.Execute()
}
