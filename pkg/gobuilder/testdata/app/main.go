package main

import "example.com/app/lib"

func main() {
	lib.Parse("x")
	f := func() { helper() }
	f()
}

func helper() {}

func unused() {}
