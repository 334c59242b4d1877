package main

import "remora/cmd"

func main() {
	cmd.Execute()
}
