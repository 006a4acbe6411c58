package main

import "github.com/jfmyers9/playmidi/cmd"

func main() {
	cmd.Execute()
}
