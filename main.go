package main

import (
	"tunesync/cmd"
)

func main() {
	cmd.Execute()
}
