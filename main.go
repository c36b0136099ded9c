package main

import (
	"fmt"

	"github.com/pulseline/pulseline/cmd"
)

func main() {
	if err := cmd.Run(); err != nil {
		fmt.Println(err.Error())
		return
	}
}
