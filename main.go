// Package main is the parkwatch entry point.
package main

import "parkwatch/cmd"

func main() {
	cmd.Execute()
}
