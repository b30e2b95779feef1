package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/skip2/go-qrcode"
	"github.com/urfave/cli/v3"
)

type serverStats struct {
	Rooms       int `json:"rooms"`
	Waiting     int `json:"waiting"`
	Paired      int `json:"paired"`
	Connections int `json:"connections"`
	Dropped     int `json:"dropped"`
}

// readyzURL maps the websocket endpoint onto the service's readiness endpoint.
func readyzURL(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/ws") + "/readyz"
	u.RawQuery = ""
	return u.String(), nil
}

func fetchStats(ctx context.Context, endpoint string) (serverStats, error) {
	var st serverStats
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return st, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return st, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("%s: %s", endpoint, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return st, nil
}

func renderStats(w io.Writer, st serverStats) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Rooms", "Waiting", "Paired", "Connections", "Dropped"})
	t.AppendRow(table.Row{st.Rooms, st.Waiting, st.Paired, st.Connections, st.Dropped})
	t.Render()
}

func status(ctx context.Context, cmd *cli.Command) error {
	_, server, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	endpoint, err := readyzURL(server)
	if err != nil {
		return err
	}
	st, err := fetchStats(ctx, endpoint)
	if err != nil {
		return err
	}
	renderStats(cmd.Root().Writer, st)
	return nil
}

// printQR draws code as a terminal QR code so a phone can pick it up.
func printQR(w io.Writer, code string) error {
	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(w, qr.ToSmallString(false))
	return err
}
