package main

import (
	"example.com/app/internal/server"
	"example.com/lib"
)

func main() {
	server.Serve()
	_ = lib.Version()
}
