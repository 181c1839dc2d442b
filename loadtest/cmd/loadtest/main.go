// Command loadtest drives the console gateway with synthetic traffic.
//
// Scenarios:
//
//	saturate — open many events-channel connections and hold them, to find
//	           the connection capacity ceiling
//	push     — hold chat-channel listeners open while generating chat
//	           traffic over HTTP, measuring end-to-end push latency
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "push":
		runPush(os.Args[2:])
	default:
		fmt.Printf("unknown scenario %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Println("usage: loadtest <saturate|push> [flags]")
	fmt.Println("  run 'loadtest <scenario> -h' for scenario flags")
}
