package main

import "github.com/outlivion/outlivion-api/internal/pkg/server"

func main() {
	server.Main()
}
