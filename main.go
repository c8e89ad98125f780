package main

import "github.com/andresmejia3/muzzle/cmd"

func main() {
	cmd.Execute()
}
