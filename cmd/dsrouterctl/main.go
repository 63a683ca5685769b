package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "version", "--version", "-v":
		fmt.Printf("dsrouterctl %s\n", version)
	case "status":
		doStatus()
	case "health":
		doHealth()
	case "thresholds":
		doThresholds(args)
	case "override":
		doOverride(args)
	case "budget":
		doBudget(args)
	case "decisions":
		doDecisions(args)
	case "actions":
		doActions(args)
	case "reload":
		doReload(args)
	case "chat":
		doChat(args)
	case "events":
		doEvents()
	case "help", "--help", "-h":
		usageTo(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	usageTo(os.Stderr)
}

func usageTo(w io.Writer) {
	_, _ = fmt.Fprintf(w, `dsrouterctl — CLI for the dsrouter admin API

Usage: dsrouterctl <command> [arguments]

Environment:
  DSROUTER_URL          Base URL (default: http://localhost:8080)
  DSROUTER_ADMIN_TOKEN  Token for admin endpoints

Commands:
  status                      Show provider availability and router state
  health                      Show per-provider health stats
  thresholds                  Show routing thresholds
  thresholds set <json>       Patch routing thresholds
  override <provider|clear>   Pin routing to one provider, or clear the pin
  budget                      Show today's budget utilization
  budget reset                Zero today's usage counters
  decisions [--limit n]       List recent routing decisions
  actions [--limit n]         List recent admin actions
  reload secrets              Re-resolve provider API keys
  reload providers            Re-read the provider descriptor file
  chat <prompt...>            Send a test request through the router
  events                      Tail the live event stream

Examples:
  dsrouterctl status
  dsrouterctl thresholds set '{"conf_threshold":0.8}'
  dsrouterctl override gpt-fast
  dsrouterctl override clear
  dsrouterctl chat explain the difference between a mutex and a semaphore
`)
}

// --- HTTP helpers ---

func baseURL() string {
	if u := os.Getenv("DSROUTER_URL"); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "http://localhost:8080"
}

func doRequest(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, baseURL()+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := os.Getenv("DSROUTER_ADMIN_TOKEN"); tok != "" {
		req.Header.Set("X-Admin-Token", tok)
	}
	return http.DefaultClient.Do(req)
}

func doGet(path string) map[string]any {
	resp, err := doRequest("GET", path, nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func doPost(path, bodyJSON string) map[string]any {
	var body io.Reader
	if bodyJSON != "" {
		body = strings.NewReader(bodyJSON)
	}
	resp, err := doRequest("POST", path, body)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func readJSON(resp *http.Response) map[string]any {
	data, err := io.ReadAll(resp.Body)
	fatal(err)
	if resp.StatusCode >= 400 {
		fmt.Fprintf(os.Stderr, "HTTP %d: %s\n", resp.StatusCode, string(data))
		os.Exit(1)
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		var arr []any
		if err2 := json.Unmarshal(data, &arr); err2 == nil {
			return map[string]any{"items": arr}
		}
		fmt.Println(string(data))
		os.Exit(0)
	}
	return result
}

func prettyJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}

func fatal(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func parseLimit(args []string) int {
	for i, a := range args {
		if a == "--limit" && i+1 < len(args) {
			n, _ := strconv.Atoi(args[i+1])
			if n > 0 {
				return n
			}
		}
	}
	return 50
}

// --- Commands ---

func doStatus() {
	res := doGet("/providers")
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tTIER\tCIRCUIT\tSTATUS\tP95_MS\tERR_RATE")
	if provs, ok := res["providers"].(map[string]any); ok {
		for name, v := range provs {
			p, _ := v.(map[string]any)
			fmt.Fprintf(tw, "%s\t%v\t%v\t%v\t%.0f\t%.2f\n",
				name, p["tier"], p["circuit_state"], p["status"],
				toFloat(p["p95_latency_ms"]), toFloat(p["error_rate"]))
		}
	}
	_ = tw.Flush()
	fmt.Printf("router_active: %v\n", res["router_active"])
}

func doHealth() {
	fmt.Println(prettyJSON(doGet("/admin/v1/health")))
}

func doThresholds(args []string) {
	if len(args) >= 2 && args[0] == "set" {
		fmt.Println(prettyJSON(doPost("/admin/v1/router/set-thresholds", args[1])))
		return
	}
	fmt.Println(prettyJSON(doGet("/admin/v1/router/thresholds")))
}

func doOverride(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: dsrouterctl override <provider|clear>")
		os.Exit(1)
	}
	body := fmt.Sprintf(`{"provider":%q}`, args[0])
	if args[0] == "clear" {
		body = `{"provider":null}`
	}
	fmt.Println(prettyJSON(doPost("/admin/v1/router/forced-override", body)))
}

func doBudget(args []string) {
	if len(args) >= 1 && args[0] == "reset" {
		fmt.Println(prettyJSON(doPost("/admin/v1/budget/reset", "")))
		return
	}
	fmt.Println(prettyJSON(doGet("/admin/v1/budget")))
}

func doDecisions(args []string) {
	fmt.Println(prettyJSON(doGet(fmt.Sprintf("/admin/v1/decisions?limit=%d", parseLimit(args)))))
}

func doActions(args []string) {
	fmt.Println(prettyJSON(doGet(fmt.Sprintf("/admin/v1/actions?limit=%d", parseLimit(args)))))
}

func doReload(args []string) {
	if len(args) < 1 || (args[0] != "secrets" && args[0] != "providers") {
		fmt.Fprintln(os.Stderr, "usage: dsrouterctl reload <secrets|providers>")
		os.Exit(1)
	}
	fmt.Println(prettyJSON(doPost("/admin/v1/router/reload-"+args[0], "")))
}

func doChat(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: dsrouterctl chat <prompt...>")
		os.Exit(1)
	}
	body, _ := json.Marshal(map[string]any{"prompt": strings.Join(args, " ")})
	fmt.Println(prettyJSON(doPost("/v1/chat", string(body))))
}

func doEvents() {
	resp, err := doRequest("GET", "/admin/v1/events", nil)
	fatal(err)
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "HTTP %d: %s\n", resp.StatusCode, string(data))
		os.Exit(1)
	}
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if line != "" {
			fmt.Println(line)
		}
	}
}

func toFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}
