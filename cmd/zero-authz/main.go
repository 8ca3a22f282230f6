package main

import "github.com/gematik/zero-lab/go/authzserver/cmd/zero-authz/cmd"

func main() {
	cmd.Execute()
}
