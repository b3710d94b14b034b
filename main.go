package main

import (
	"github.com/AzielCF/az-publisher/cmd"
)

func main() {
	cmd.Execute()
}
