package main

import "github.com/dev7a/serverless-otlp-forwarder/cmd"

func main() {
	cmd.Execute()
}
