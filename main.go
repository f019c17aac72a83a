package main

import "github.com/jmalvern/queuekeeper/cmd"

func main() {
	cmd.Execute()
}
