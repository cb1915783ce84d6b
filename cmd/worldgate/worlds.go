package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/basket/worldgate/internal/config"
	"github.com/basket/worldgate/internal/world"
)

func runWorldsCommand(ctx context.Context, args []string) int {
	fs := pflag.NewFlagSet("worlds", pflag.ContinueOnError)
	limit := fs.Int("limit", 100, "maximum number of worlds to list")
	asJSON := fs.Bool("json", false, "print the raw API response")
	if code := parseFlags(fs, args); code >= 0 {
		return code
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	url := baseURL(cfg.BindAddr) + "/api/worlds?limit=" + strconv.Itoa(*limit)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}
	if cfg.AdminToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.AdminToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worlds: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "worlds: read response: %v\n", err)
		return 1
	}
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "worlds: %s: %s\n", resp.Status, body)
		return 1
	}
	if *asJSON {
		_, _ = os.Stdout.Write(body)
		return 0
	}

	var out struct {
		Worlds []world.Record `json:"worlds"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		fmt.Fprintf(os.Stderr, "worlds: decode: %v\n", err)
		return 1
	}
	printWorlds(os.Stdout, out.Worlds, time.Now())
	return 0
}

func printWorlds(w io.Writer, worlds []world.Record, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "GAME\tWORLD\tSTATUS\tENDPOINT\tIDLE\tREASON")
	for _, rec := range worlds {
		endpoint := "-"
		if rec.Endpoint != nil {
			endpoint = fmt.Sprintf("%s:%d", rec.Endpoint.Address, rec.Endpoint.Port)
		}
		idle := "-"
		if rec.LastActivityTime != nil {
			idle = now.Sub(*rec.LastActivityTime).Round(time.Second).String()
		}
		reason := rec.ErrorReason
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", rec.Key.GameKey, rec.Key.WorldID, rec.Status, endpoint, idle, reason)
	}
	_ = tw.Flush()
}
