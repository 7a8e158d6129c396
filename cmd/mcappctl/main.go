// McApp control CLI.
package main

import "github.com/dk5en/mcapp/cmd/mcappctl/commands"

func main() {
	commands.Execute()
}
