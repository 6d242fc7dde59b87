// Package main implements healthctl, a small operator CLI for the
// health engine admin API.
//
// Usage:
//
//	healthctl [-addr URL] [-token T] list
//	healthctl [-addr URL] [-token T] show KEY
//	healthctl [-addr URL] [-token T] cooldown KEY TTL [reason]
//	healthctl [-addr URL] [-token T] blacklist KEY TTL [reason]
//	healthctl [-addr URL] [-token T] clear KEY [reason]
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8081", "health engine base URL")
	token := flag.String("token", os.Getenv("HEALTHCTL_TOKEN"), "bearer token for control actions")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	c := &client{
		base:  *addr,
		token: *token,
		http:  &http.Client{Timeout: *timeout},
	}

	var err error
	switch args[0] {
	case "list":
		err = c.get("/admin/endpoints")
	case "show":
		if len(args) != 2 {
			err = fmt.Errorf("show requires exactly one endpoint key")
			break
		}
		err = c.get("/admin/endpoints/" + args[1])
	case "cooldown", "blacklist":
		if len(args) < 3 {
			err = fmt.Errorf("%s requires a key and a ttl (e.g. 10m)", args[0])
			break
		}
		err = c.action(args[0], args[1], args[2], tail(args, 3))
	case "clear":
		if len(args) < 2 {
			err = fmt.Errorf("clear requires an endpoint key")
			break
		}
		err = c.action("clear", args[1], "", tail(args, 2))
	case "config":
		err = c.get("/admin/config")
	default:
		err = fmt.Errorf("unknown command %q", args[0])
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "healthctl:", err)
		os.Exit(1)
	}
}

func tail(args []string, i int) string {
	if len(args) > i {
		return args[i]
	}
	return ""
}

type client struct {
	base  string
	token string
	http  *http.Client
}

func (c *client) get(path string) error {
	req, err := http.NewRequest(http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req)
}

func (c *client) action(kind, key, ttl, reason string) error {
	body, err := json.Marshal(map[string]string{
		"key":    key,
		"ttl":    ttl,
		"reason": reason,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, c.base+"/admin/actions/"+kind, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

// do sends the request and pretty-prints the JSON response. Non-2xx
// responses become errors but the body is still printed.
func (c *client) do(req *http.Request) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if json.Indent(&buf, b, "", "  ") == nil {
		buf.WriteByte('\n')
		buf.WriteTo(os.Stdout) //nolint:errcheck
	} else {
		os.Stdout.Write(b) //nolint:errcheck
	}

	if resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `healthctl controls a running health engine daemon.

Commands:
  list                          list all endpoints and their state
  show KEY                      show one endpoint
  cooldown KEY TTL [reason]     place an endpoint in cooldown
  blacklist KEY TTL [reason]    blacklist an endpoint
  clear KEY [reason]            clear penalties and restore to pool
  config                        dump the active (redacted) configuration

Flags:
`)
	flag.PrintDefaults()
}
