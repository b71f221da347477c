// skiff-discover browses the local network for skiff nodes over mDNS and
// prints what it finds. Quiet mode emits just the raft ports, comma
// separated, ready to paste into OTHER_PORTS.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io/ioutil"
	stdlog "log"
	"os"
	"strings"
	"time"

	"github.com/skiffdb/skiff/internal/discovery"
)

func main() {
	timeout := flag.Int("timeout", 5, "discovery timeout in seconds")
	quiet := flag.Bool("quiet", false, "only print raft ports, comma-separated")
	jsonOut := flag.Bool("json", false, "print results as JSON")
	flag.Parse()

	// The mdns library logs harmless IPv6 noise through the standard
	// logger.
	stdlog.SetOutput(ioutil.Discard)

	peers, err := discovery.Discover(time.Duration(*timeout) * time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "discovery failed: %v\n", err)
		os.Exit(1)
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(peers, "", "  ")
		fmt.Println(string(data))
		return
	}
	if *quiet {
		ports := make([]string, len(peers))
		for i, p := range peers {
			ports[i] = fmt.Sprintf("%d", p.Port)
		}
		fmt.Println(strings.Join(ports, ","))
		return
	}

	if len(peers) == 0 {
		fmt.Println("no skiff nodes found")
		return
	}
	fmt.Printf("found %d node(s)\n", len(peers))
	for _, p := range peers {
		fmt.Printf("  %-40s %s:%d  %s\n", p.Name, p.Addr, p.Port, strings.Join(p.Info, " "))
	}
}
