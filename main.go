package main

import "github.com/jml/rules-r/cmd"

func main() {
	cmd.Execute()
}
