package main

import "github.com/andresmejia3/cutout/cmd"

func main() {
	cmd.Execute()
}
