package main

import "github.com/andresmejia3/deepguard/cmd"

func main() {
	cmd.Execute()
}
