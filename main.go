package main

import "github.com/tanq16/aimlfetch/cmd"

func main() {
	cmd.Execute()
}
