package server

import "example.com/lib"

func Serve() {
	handle([]byte("payload"))
}

func handle(b []byte) {
	_ = lib.Decode(b)
}
