package main

import "github.com/javanhut/hgstore/cli"

func main() {
	cli.Execute()
}
