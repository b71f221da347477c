// skiffctl is the interactive client for a skiff cluster. It speaks the
// HTTP API, follows leadership changes by retrying against every known
// server, and keeps the per-client request serial that makes retries safe.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/chzyer/readline"
)

const requestTimeout = 15 * time.Second

type client struct {
	servers  []string
	http     *http.Client
	clientID uint64
	serial   uint64
}

func newClient(servers []string) *client {
	rand.Seed(time.Now().UnixNano())
	return &client{
		servers:  servers,
		http:     &http.Client{Timeout: requestTimeout},
		clientID: rand.Uint64(),
		serial:   0,
	}
}

// write performs one PUT/DELETE under a fresh serial, walking the server
// list until one of them accepts the write as leader. Retries reuse the
// serial, so a write observed twice is applied once.
func (c *client) write(method, path, body string) (string, error) {
	c.serial++
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		for _, server := range c.servers {
			var reader io.Reader
			if body != "" {
				reader = strings.NewReader(body)
			}
			req, err := http.NewRequest(method, server+path, reader)
			if err != nil {
				return "", err
			}
			req.Header.Set("X-Client-Id", fmt.Sprintf("%d", c.clientID))
			req.Header.Set("X-Request-Serial", fmt.Sprintf("%d", c.serial))

			resp, err := c.http.Do(req)
			if err != nil {
				lastErr = err
				continue
			}
			payload, _ := ioutil.ReadAll(resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusMisdirectedRequest {
				continue // not the leader, try the next one
			}
			return strings.TrimSpace(string(payload)), nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	if lastErr != nil {
		return "", lastErr
	}
	return "", fmt.Errorf("no server accepted the write (no leader?)")
}

// read walks the server list until a leader serves the request.
func (c *client) read(path string) (string, error) {
	var lastErr error
	for _, server := range c.servers {
		resp, err := c.http.Get(server + path)
		if err != nil {
			lastErr = err
			continue
		}
		payload, _ := ioutil.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode == http.StatusMisdirectedRequest {
			continue
		}
		return strings.TrimSpace(string(payload)), nil
	}
	if lastErr != nil {
		return "", lastErr
	}
	return "", fmt.Errorf("no leader available")
}

func (c *client) health() string {
	var out strings.Builder
	for _, server := range c.servers {
		resp, err := c.http.Get(server + "/health")
		if err != nil {
			fmt.Fprintf(&out, "%s: unreachable (%v)\n", server, err)
			continue
		}
		payload, _ := ioutil.ReadAll(resp.Body)
		resp.Body.Close()

		var status struct {
			Role        string `json:"role"`
			Term        uint64 `json:"term"`
			CommitIndex int64  `json:"commitIndex"`
		}
		if err := json.Unmarshal(payload, &status); err != nil {
			fmt.Fprintf(&out, "%s: bad response\n", server)
			continue
		}
		fmt.Fprintf(&out, "%s: %s term=%d commit=%d\n", server, status.Role, status.Term, status.CommitIndex)
	}
	return strings.TrimSuffix(out.String(), "\n")
}

const usage = `commands:
  get <key>             read a key (leader only)
  set <key> <value>     replicate a write
  del <key>             replicate a delete
  search <prefix>       list keys under a prefix (leader only)
  health                show every server's role
  exit`

func main() {
	serverList := flag.String("servers", "http://127.0.0.1:10001", "comma-separated HTTP base URLs")
	flag.Parse()

	servers := strings.Split(*serverList, ",")
	for i := range servers {
		servers[i] = strings.TrimSuffix(strings.TrimSpace(servers[i]), "/")
	}
	c := newClient(servers)

	completer := readline.NewPrefixCompleter(
		readline.PcItem("get"),
		readline.PcItem("set"),
		readline.PcItem("del"),
		readline.PcItem("search"),
		readline.PcItem("health"),
		readline.PcItem("exit"),
	)
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "skiff> ",
		HistoryFile:     "/tmp/.skiffctl_history",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Println(err)
		return
	}
	defer rl.Close()

	fmt.Printf("connected as client %d\n%s\n", c.clientID, usage)

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		var out string
		var cmdErr error
		switch fields[0] {
		case "get":
			if len(fields) != 2 {
				out = "usage: get <key>"
				break
			}
			out, cmdErr = c.read("/kv/" + fields[1])
		case "set":
			if len(fields) < 3 {
				out = "usage: set <key> <value>"
				break
			}
			out, cmdErr = c.write(http.MethodPut, "/kv/"+fields[1], strings.Join(fields[2:], " "))
		case "del":
			if len(fields) != 2 {
				out = "usage: del <key>"
				break
			}
			out, cmdErr = c.write(http.MethodDelete, "/kv/"+fields[1], "")
		case "search":
			prefix := ""
			if len(fields) > 1 {
				prefix = fields[1]
			}
			out, cmdErr = c.read("/kv?prefix=" + prefix)
		case "health":
			out = c.health()
		case "exit", "quit":
			return
		default:
			out = usage
		}

		if cmdErr != nil {
			fmt.Println("error:", cmdErr)
		} else if out != "" {
			fmt.Println(out)
		}
	}
}
