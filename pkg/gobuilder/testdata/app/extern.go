package main

//export goCallback
func goCallback() {}

//go:linkname linked
func linked() {}

//vulnreach:entrypoint invoked by the plugin loader
func marked() {}

func fromAsm() {}

func notExternal() {}
