package main

import "github.com/bnema/netkanctl/cmd"

func main() {
	cmd.Execute()
}
