package main

import (
	"github.com/MatthiasKunnen/lockstate/internal/cmd"
)

func main() {
	cmd.Execute()
}
