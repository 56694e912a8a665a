package main

import "github.com/vitaglow/realtime/cmd/realtime/cmd"

func main() {
	cmd.Execute()
}
