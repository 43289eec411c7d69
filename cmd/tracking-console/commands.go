package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/niports/tracking-relay/pkg/connector"
	"github.com/niports/tracking-relay/pkg/gateway"
	"github.com/niports/tracking-relay/pkg/protocol"
)

var ErrCommandLineArgs = errors.New("invalid command line arguments")

type Argument struct {
	name string
	help string
}

type Handler func(ctx context.Context, s *session, args []string) error

type Command struct {
	help     string
	args     []Argument
	variadic bool // The last argument may be repeated.
	handler  Handler
}

var commands = map[string]*Command{
	"track": {
		help:     "Request the cached position of one or more devices",
		args:     []Argument{{name: "DEVICE_ID", help: "Device identifier (repeatable)"}},
		variadic: true,
		handler:  track,
	},
	"positions": {
		help:    "Print the relay's cached fleet snapshot",
		handler: getPositions,
	},
	"health": {
		help:    "Print the relay's session state, address and client count",
		handler: getHealth,
	},
}

func execute(ctx context.Context, s *session, args []string) error {
	if len(args) == 0 {
		return errors.New("missing COMMAND")
	}
	info, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unrecognized command: %s", args[0])
	}
	params := args[1:]
	if len(params) < len(info.args) || (!info.variadic && len(params) > len(info.args)) {
		writeErr("Invalid number of command line arguments: %d (%d required).", len(params), len(info.args))
		info.Usage(args[0])
		return ErrCommandLineArgs
	}
	return info.handler(ctx, s, params)
}

func (c *Command) Usage(name string) {
	fmt.Printf("Usage: %s", name)
	maxLength := 0
	for _, arg := range c.args {
		fmt.Printf(" %s", arg.name)
		if c.variadic {
			fmt.Printf(" [%s...]", arg.name)
		}
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	fmt.Printf("\n%s\n", c.help)
	maxLength++
	for _, arg := range c.args {
		fmt.Printf("    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
}

func trackEnvelope(deviceIDs []string) ([]byte, error) {
	data, err := json.Marshal(&gateway.TrackRequest{DeviceIDs: deviceIDs})
	if err != nil {
		return nil, err
	}
	return json.Marshal(&gateway.Envelope{Event: gateway.EventTrack, Data: data})
}

func track(ctx context.Context, s *session, args []string) error {
	msg, err := trackEnvelope(args)
	if err != nil {
		return err
	}
	if err := s.send(msg); err != nil {
		return err
	}
	select {
	case env := <-s.replies:
		if env.Event == gateway.EventError {
			return errors.New(formatEnvelope(env))
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func fetchJSON(ctx context.Context, s *session, path string) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	rsp, err := http.DefaultClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer rsp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(rsp.Body, connector.MaxResponseLength))
	if err != nil {
		return nil, err
	}
	if rsp.StatusCode != http.StatusOK && rsp.StatusCode != http.StatusServiceUnavailable {
		return nil, fmt.Errorf("%s: %s", rsp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func getPositions(ctx context.Context, s *session, args []string) error {
	body, err := fetchJSON(ctx, s, "/api/positions")
	if err != nil {
		return err
	}
	var snapshot struct {
		Positions []protocol.Position `json:"positions"`
		UpdatedAt time.Time           `json:"updated_at"`
	}
	if err := json.Unmarshal(body, &snapshot); err != nil {
		return err
	}
	fmt.Printf("%d devices (updated %s)\n", len(snapshot.Positions), snapshot.UpdatedAt.Format(time.RFC3339))
	for _, p := range snapshot.Positions {
		fmt.Println(formatPosition(p))
	}
	return nil
}

func getHealth(ctx context.Context, s *session, args []string) error {
	body, err := fetchJSON(ctx, s, "/healthz")
	if err != nil {
		return err
	}
	var reply struct {
		Response map[string]interface{} `json:"response"`
	}
	if err := json.Unmarshal(body, &reply); err != nil {
		return err
	}
	out, err := json.MarshalIndent(reply.Response, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func formatPosition(p protocol.Position) string {
	line := fmt.Sprintf("%s %.6f %.6f", p.DeviceID, p.Latitude, p.Longitude)
	if !p.Timestamp.IsZero() {
		line += " " + p.Timestamp.Format(time.RFC3339)
	}
	return line
}

// formatEnvelope renders an event received from the relay for the terminal.
func formatEnvelope(env gateway.Envelope) string {
	switch env.Event {
	case gateway.EventStatus:
		var status gateway.Status
		if err := json.Unmarshal(env.Data, &status); err == nil {
			return fmt.Sprintf("[status] %s: relay address %s", status.Message, status.Address)
		}
	case gateway.EventUpdate:
		var update gateway.Update
		if err := json.Unmarshal(env.Data, &update); err == nil {
			lines := []string{fmt.Sprintf("[update] %d devices", update.Count)}
			for _, p := range update.Data {
				lines = append(lines, "  "+formatPosition(p))
			}
			return strings.Join(lines, "\n")
		}
	case gateway.EventError:
		var msg gateway.ErrorMessage
		if err := json.Unmarshal(env.Data, &msg); err == nil {
			if len(msg.Context) > 0 {
				return fmt.Sprintf("[error] %s (request %s)", msg.Message, msg.Context)
			}
			return fmt.Sprintf("[error] %s", msg.Message)
		}
	}
	return fmt.Sprintf("[%s] %s", env.Event, env.Data)
}
