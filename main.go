package main

import "github.com/touchtron/touchflash/cmd"

func main() {
	cmd.Execute()
}
