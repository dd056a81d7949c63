// labtail is the operator CLI: tail the feed, trace a request, list nodes,
// fire actions at the gateway, and mint room tokens.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"

	"github.com/fieldlab/labplane/pkg/labclient"
)

var (
	headline = color.New(color.FgCyan, color.Bold)
	okMark   = color.New(color.FgGreen)
	badMark  = color.New(color.FgRed, color.Bold)
	dimMark  = color.New(color.Faint)
)

type rootOptions struct {
	FeedURL  string `long:"feed-url" env:"FEED_URL" default:"http://127.0.0.1:8084" description:"feed base URL"`
	GodURL   string `long:"god-url" env:"GOD_URL" default:"http://127.0.0.1:8082" description:"gateway base URL"`
	TokenURL string `long:"token-url" env:"TOKEN_URL" default:"http://127.0.0.1:8083" description:"token issuer base URL"`
	JSON     bool   `long:"json" description:"raw JSON output"`
}

var root rootOptions

func client() *labclient.Client {
	return labclient.New(root.GodURL, root.FeedURL, root.TokenURL)
}

// ============================================================================
// TAIL
// ============================================================================

type cmdTail struct {
	Limit  int    `short:"n" long:"limit" default:"40" description:"events to show"`
	Type   string `short:"t" long:"type" description:"type prefix filter"`
	Src    string `short:"s" long:"src" description:"source filter"`
	Follow bool   `short:"f" long:"follow" description:"poll for new events"`
}

func (c *cmdTail) Execute(_ []string) error {
	ctx := context.Background()
	var lastTs int64
	for {
		page, err := client().Events(ctx, c.Limit, lastTs, c.Type, c.Src)
		if err != nil {
			return err
		}
		if root.JSON {
			return dumpJSON(page)
		}
		// Feed answers newest first; print oldest first for a scrolling tail.
		for i := len(page.Events) - 1; i >= 0; i-- {
			ev := page.Events[i]
			if ev.TsMs > lastTs {
				lastTs = ev.TsMs
			}
			printEvent(ev)
		}
		if page.Malformed > 0 {
			dimMark.Fprintf(os.Stderr, "(%d malformed lines skipped)\n", page.Malformed)
		}
		if !c.Follow {
			return nil
		}
		time.Sleep(2 * time.Second)
		if lastTs > 0 {
			lastTs++ // strictly newer on the next poll
		}
	}
}

// ============================================================================
// TRACE
// ============================================================================

type cmdTrace struct {
	Args struct {
		RequestID string `positional-arg-name:"request-id" required:"yes"`
	} `positional-args:"yes"`
}

func (c *cmdTrace) Execute(_ []string) error {
	page, err := client().Trace(context.Background(), c.Args.RequestID)
	if err != nil {
		return err
	}
	if root.JSON {
		return dumpJSON(page)
	}
	headline.Printf("trace %s (%d events, %d scanned)\n", page.RequestID, page.Count, page.Scanned)
	for _, ev := range page.Events {
		printEvent(ev)
	}
	if page.Count == 0 {
		dimMark.Println("no events found for this request id")
	}
	return nil
}

// ============================================================================
// NODES
// ============================================================================

type cmdNodes struct {
	Window int `short:"w" long:"window" default:"3600" description:"activity window in seconds"`
}

func (c *cmdNodes) Execute(_ []string) error {
	nodes, err := client().Nodes(context.Background(), c.Window)
	if err != nil {
		return err
	}
	if root.JSON {
		return dumpJSON(nodes)
	}
	headline.Printf("%d nodes active in the last %ds\n", len(nodes), c.Window)
	for _, n := range nodes {
		name := n.Src
		if n.Alias != "" {
			name = fmt.Sprintf("%s (%s)", n.Alias, n.Src)
		}
		age := time.Since(time.UnixMilli(n.LastSeenMs)).Round(time.Second)
		total := 0
		for _, v := range n.Counts {
			total += v
		}
		fmt.Printf("  %-40s last seen %8s ago  %d events\n", name, age, total)
	}
	return nil
}

// ============================================================================
// GOD
// ============================================================================

type cmdGod struct {
	Scope  string `long:"scope" default:"all" description:"target scope (all|node|tier1|mac|pi)"`
	Target string `long:"target" description:"node id when scope=node"`
	Reason string `long:"reason" description:"operator note for the audit trail"`
	DryRun bool   `long:"dry-run" description:"validate and audit without publishing"`
	Args   struct {
		Action string   `positional-arg-name:"action" required:"yes"`
		KV     []string `positional-arg-name:"key=value"`
	} `positional-args:"yes"`
}

func (c *cmdGod) Execute(_ []string) error {
	args := map[string]interface{}{}
	for _, kv := range c.Args.KV {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("argument %q is not key=value", kv)
		}
		args[parts[0]] = parts[1]
	}
	if c.DryRun {
		args["dry_run"] = true
	}
	resp, err := client().God(context.Background(), labclient.GodRequest{
		Action: c.Args.Action,
		Scope:  c.Scope,
		Target: c.Target,
		Reason: c.Reason,
		Args:   args,
	})
	if err != nil {
		return err
	}
	if root.JSON {
		return dumpJSON(resp)
	}
	if resp.OK {
		okMark.Printf("%s %s\n", resp.State, resp.RequestID)
		if resp.RoutedTopic != "" {
			fmt.Printf("  routed to %s\n", resp.RoutedTopic)
		}
	} else {
		badMark.Printf("%s %s\n", resp.State, resp.RequestID)
		fmt.Printf("  %s: %s\n", resp.Kind, resp.Error)
		os.Exit(1)
	}
	return nil
}

// ============================================================================
// TOKEN
// ============================================================================

type cmdToken struct {
	Room string `long:"room" default:"control" description:"room to mint for"`
	Args struct {
		Identity string `positional-arg-name:"identity" required:"yes"`
	} `positional-args:"yes"`
}

func (c *cmdToken) Execute(_ []string) error {
	tok, expires, err := client().Token(context.Background(), c.Args.Identity, c.Room)
	if err != nil {
		return err
	}
	if root.JSON {
		return dumpJSON(map[string]interface{}{"token": tok, "expires_at_ms": expires})
	}
	fmt.Println(tok)
	dimMark.Fprintf(os.Stderr, "expires %s\n", time.UnixMilli(expires).Format(time.RFC3339))
	return nil
}

// ============================================================================
// OUTPUT
// ============================================================================

func printEvent(ev labclient.Event) {
	ts := time.UnixMilli(ev.TsMs).Format("15:04:05")
	mark := okMark
	if strings.Contains(ev.Type, ".denied") || ev.Data["ok"] == false {
		mark = badMark
	}
	fmt.Printf("%s  ", dimMark.Sprint(ts))
	mark.Printf("%-32s", ev.Type)
	fmt.Printf(" %-24s", ev.Src)
	if id, ok := ev.Data["request_id"].(string); ok && id != "" {
		dimMark.Printf(" %s", shortID(id))
	}
	fmt.Println()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func dumpJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	// A CLI stays quiet: load .env for the URLs, no startup banner.
	godotenv.Load()
	parser := flags.NewParser(&root, flags.Default)
	parser.AddCommand("tail", "Tail the event feed", "Show recent events, optionally following.", &cmdTail{})
	parser.AddCommand("trace", "Trace one request", "Reassemble the audit trail of a request id.", &cmdTrace{})
	parser.AddCommand("nodes", "List active nodes", "Aggregate per-source activity.", &cmdNodes{})
	parser.AddCommand("god", "Fire an action", "Submit an action request to the gateway.", &cmdGod{})
	parser.AddCommand("token", "Mint a room token", "Request a token from the issuer.", &cmdToken{})
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}
