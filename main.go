package main

import "renderhub/cmd"

func main() {
	cmd.Execute()
}
