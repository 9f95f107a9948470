package main

import (
	"log"

	"github.com/kennteohstorehub/sh-hackaton-sub004/cmd"
)

func main() {
	if err := cmd.Start(); err != nil {
		log.Fatal(err)
	}
}
