package main

import "github.com/Bengt/NanoKVM-Updater/cmd/nanokvm-updater/cmd"

func main() {
	cmd.Execute()
}
