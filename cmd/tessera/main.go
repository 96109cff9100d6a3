// cmd/tessera/main.go is a thin CLI client over a running node's debug
// local API; it holds no overlay logic of its own.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	base := os.Getenv("TESSERA_API")
	if base == "" {
		base = "http://127.0.0.1:8080"
	}

	client := &http.Client{Timeout: 5 * time.Second}

	switch os.Args[1] {
	case "status":
		cmdStatus(client, base)
	case "table":
		cmdTable(client, base)
	case "nrt":
		cmdNRT(client, base)
	case "closest":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: tessera closest <target-hex> [k]")
			os.Exit(1)
		}
		k := ""
		if len(os.Args) >= 4 {
			k = os.Args[3]
		}
		cmdClosest(client, base, os.Args[2], k)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("Usage: tessera <status|table|nrt|closest> [args...]")
	fmt.Println("Set TESSERA_API to the node's local API base URL (default http://127.0.0.1:8080)")
}

func get(client *http.Client, url string) (map[string]interface{}, error) {
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("node returned %s: %s", resp.Status, body)
	}

	var out map[string]interface{}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

func cmdStatus(client *http.Client, base string) {
	out, err := get(client, base+"/local/health")
	fail(err)
	fmt.Printf("Node ID:      %v\n", out["node_id"])
	fmt.Printf("Run ID:       %v\n", out["run_id"])
	fmt.Printf("Routing size: %v\n", out["routing_size"])
	fmt.Printf("NRT size:     %v\n", out["nrt_size"])
}

func cmdTable(client *http.Client, base string) {
	out, err := get(client, base+"/local/table")
	fail(err)
	printPeers(out["peers"])
}

func cmdNRT(client *http.Client, base string) {
	out, err := get(client, base+"/local/nrt")
	fail(err)
	printPeers(out["peers"])
}

func cmdClosest(client *http.Client, base, target, k string) {
	url := base + "/local/closest?target=" + target
	if k != "" {
		url += "&k=" + k
	}
	out, err := get(client, url)
	fail(err)
	printPeers(out["peers"])
}

func printPeers(raw interface{}) {
	peers, ok := raw.([]interface{})
	if !ok || len(peers) == 0 {
		fmt.Println("(no peers)")
		return
	}
	for _, p := range peers {
		peer, ok := p.(map[string]interface{})
		if !ok {
			continue
		}
		fmt.Printf("%v  client=%v  rank=%v\n", peer["node_id"], peer["is_client"], peer["rank"])
	}
}

func fail(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
