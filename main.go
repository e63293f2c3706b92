package main

import "github.com/Davincible/claude-code-mux/cmd"

func main() {
	cmd.Execute()
}
