package main

import "github.com/andresmejia3/stickercam/cmd"

func main() {
	cmd.Execute()
}
