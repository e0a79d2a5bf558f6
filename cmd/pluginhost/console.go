// console.go: Line-based control console for a running host
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	pluginhost "github.com/agilira/go-pluginhost"
)

const consoleSender = "console"

const consoleHelp = `commands:
  list                          plugins and their states
  state <id>                    state of one plugin
  enable|disable|unload|reload <id>
  send <target> <channel> [json]
  broadcast <channel> [json]
  commands                      commands registered by plugins
  report                        validation and conflict report
  quit
anything else is dispatched to the plugin command of that name`

type console struct {
	host *pluginhost.Host
	in   io.Reader
	out  io.Writer
}

func newConsole(host *pluginhost.Host, in io.Reader, out io.Writer) *console {
	return &console{host: host, in: in, out: out}
}

// run reads commands until quit, end of input or ctx is done.
func (c *console) run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			if fields[0] == "quit" || fields[0] == "exit" {
				return nil
			}
			if err := c.execute(ctx, fields); err != nil {
				fmt.Fprintln(c.out, errorStyle.Render("error: ")+err.Error())
			}
		}
	}
}

func (c *console) execute(ctx context.Context, fields []string) error {
	orch := c.host.Orchestrator
	verb, args := fields[0], fields[1:]
	needID := func() (string, error) {
		if len(args) != 1 {
			return "", fmt.Errorf("usage: %s <plugin-id>", verb)
		}
		return args[0], nil
	}

	switch verb {
	case "help":
		fmt.Fprintln(c.out, consoleHelp)
	case "list":
		fmt.Fprintln(c.out, renderPlugins(orch.List()))
	case "report":
		fmt.Fprintln(c.out, orch.Report())
	case "state":
		id, err := needID()
		if err != nil {
			return err
		}
		state, err := orch.State(id)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, stateStyle(state).Render(string(state)))
	case "enable", "disable", "unload", "reload":
		id, err := needID()
		if err != nil {
			return err
		}
		ops := map[string]func(context.Context, string) error{
			"enable":  orch.Enable,
			"disable": orch.Disable,
			"unload":  orch.Unload,
			"reload":  orch.Reload,
		}
		if err := ops[verb](ctx, id); err != nil {
			return err
		}
		state, _ := orch.State(id)
		fmt.Fprintln(c.out, okStyle.Render(fmt.Sprintf("%s: %s", id, state)))
	case "send":
		if len(args) < 2 {
			return fmt.Errorf("usage: send <target> <channel> [json]")
		}
		payload, err := parsePayload(args[2:])
		if err != nil {
			return err
		}
		result, err := orch.Messenger().For(consoleSender).Send(ctx, args[0], args[1], payload)
		if err != nil {
			return err
		}
		encoded, _ := json.Marshal(result)
		fmt.Fprintln(c.out, string(encoded))
	case "broadcast":
		if len(args) < 1 {
			return fmt.Errorf("usage: broadcast <channel> [json]")
		}
		payload, err := parsePayload(args[1:])
		if err != nil {
			return err
		}
		res := orch.Messenger().For(consoleSender).Broadcast(ctx, args[0], payload, true)
		fmt.Fprintf(c.out, "delivered to %d plugin(s), %d failed\n", len(res.Delivered), len(res.Failed))
	case "commands":
		registered := orch.Commands().Commands()
		names := make([]string, 0, len(registered))
		for name := range registered {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(c.out, "%s %s\n", name, dimStyle.Render("("+registered[name]+")"))
		}
	default:
		output, err := orch.Commands().Dispatch(ctx, verb, args)
		if err != nil {
			return err
		}
		if output != "" {
			fmt.Fprintln(c.out, output)
		}
	}
	return nil
}

// parsePayload joins the remaining words and decodes them as JSON. Text
// that is not JSON is sent as a plain string.
func parsePayload(words []string) (any, error) {
	if len(words) == 0 {
		return nil, nil
	}
	raw := strings.Join(words, " ")
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw, nil
	}
	return v, nil
}
