package main

import "github.com/audiolibrelab/meetcapture/cmd"

func main() {
	cmd.Execute()
}
