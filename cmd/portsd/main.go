// Command portsd runs ports nodes: a TCP daemon with monitoring and
// tracing, a ping client for such daemons, and an in-process demo.
package main

func main() {
	Execute()
}
