package main

import "github.com/Guizzs26/field-outbox/internal/cli"

func main() {
	cli.Execute()
}
