package main

import "github.com/tidewater-ai/keel/cmd"

func main() {
	cmd.Execute()
}
