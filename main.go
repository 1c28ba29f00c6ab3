package main

import "github.com/Big-Dig-Data/fuse-zstd/cmd"

func main() {
	cmd.Execute()
}
