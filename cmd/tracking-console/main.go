package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"
	"github.com/gorilla/websocket"

	"github.com/niports/tracking-relay/internal/log"
	"github.com/niports/tracking-relay/pkg/gateway"
)

const (
	EnvRelayURL    = "RELAY_URL"
	defaultRelay   = "http://localhost:3000"
	writeWait      = 10 * time.Second
	repliesPending = 8
)

func writeErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprintf(os.Stderr, "\n")
}

func Usage() {
	fmt.Printf("Usage: %s [OPTION...] [COMMAND [ARG...]]\n", os.Args[0])
	fmt.Printf("\nConnects to a tracking relay and prints the events it pushes. Without a COMMAND, reads commands from stdin.\n")
	fmt.Println("")
	fmt.Printf("Available OPTIONs:\n")
	flag.PrintDefaults()
	fmt.Println("")
	fmt.Printf("Available COMMANDs:\n")
	maxLength := 0
	var labels []string
	for command := range commands {
		labels = append(labels, command)
		if len(command) > maxLength {
			maxLength = len(command)
		}
	}
	sort.Strings(labels)
	for _, command := range labels {
		info := commands[command]
		fmt.Printf("  %s%s %s\n", command, strings.Repeat(" ", maxLength-len(command)), info.help)
	}
}

// session is a console's connection to a relay.
type session struct {
	baseURL string
	conn    *websocket.Conn
	replies chan gateway.Envelope

	writeLock sync.Mutex
	done      chan struct{}
}

// websocketURL maps the relay's HTTP base URL to its WebSocket endpoint.
func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported relay URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

func dial(ctx context.Context, base string) (*session, error) {
	wsURL, err := websocketURL(base)
	if err != nil {
		return nil, err
	}
	log.Debug("Connecting to %s", wsURL)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	s := &session{
		baseURL: strings.TrimSuffix(base, "/"),
		conn:    conn,
		replies: make(chan gateway.Envelope, repliesPending),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// readLoop prints every event and forwards replies to track requests.
func (s *session) readLoop() {
	defer close(s.done)
	for {
		var env gateway.Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Debug("Connection closed: %s", err)
			}
			return
		}
		fmt.Println(formatEnvelope(env))
		if env.Event == gateway.EventUpdate || env.Event == gateway.EventError {
			select {
			case s.replies <- env:
			default:
			}
		}
	}
}

func (s *session) send(msg []byte) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, msg)
}

func (s *session) Close() error {
	s.writeLock.Lock()
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	s.writeLock.Unlock()
	err := s.conn.Close()
	<-s.done
	return err
}

func runCommand(s *session, args []string, timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := execute(ctx, s, args); err != nil {
		writeErr("Failed to execute command: %s", err)
		return 1
	}
	return 0
}

func runInteractiveShell(s *session, timeout time.Duration) int {
	scanner := bufio.NewScanner(os.Stdin)
	for fmt.Printf("> "); scanner.Scan(); fmt.Printf("> ") {
		args, err := shlex.Split(scanner.Text())
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" {
			return 0
		}
		if err != nil {
			writeErr("Invalid command: %s", err)
			continue
		}
		if args[0] == "help" {
			if len(args) > 1 {
				if info, ok := commands[args[1]]; ok {
					info.Usage(args[1])
					continue
				}
			}
			Usage()
			continue
		}
		runCommand(s, args, timeout)
	}
	if err := scanner.Err(); err != nil {
		writeErr("Error reading command: %s", err)
		return 1
	}
	return 0
}

func main() {
	status := 1
	defer func() {
		os.Exit(status)
	}()

	var (
		debug          bool
		relayURL       string
		commandTimeout time.Duration
		connTimeout    time.Duration
	)
	flag.Usage = Usage
	flag.BoolVar(&debug, "debug", false, "Enable verbose debugging messages")
	flag.StringVar(&relayURL, "relay", "", "Relay base `URL`. Defaults to $RELAY_URL or "+defaultRelay+".")
	flag.DurationVar(&commandTimeout, "command-timeout", 5*time.Second, "Set timeout for commands sent to the relay.")
	flag.DurationVar(&connTimeout, "connect-timeout", 10*time.Second, "Set timeout for establishing the connection.")
	flag.Parse()
	if !debug {
		if debugEnv, ok := os.LookupEnv("RELAY_VERBOSE"); ok {
			debug = debugEnv != "false" && debugEnv != "0"
		}
	}
	if debug {
		log.SetLevel(log.LevelDebug)
	}
	defer log.Sync()
	if relayURL == "" {
		relayURL = os.Getenv(EnvRelayURL)
	}
	if relayURL == "" {
		relayURL = defaultRelay
	}

	args := flag.Args()
	if len(args) > 0 && args[0] == "help" {
		if len(args) == 1 {
			Usage()
			status = 0
			return
		}
		info, ok := commands[args[1]]
		if !ok {
			writeErr("Unrecognized command: %s", args[1])
			return
		}
		info.Usage(args[1])
		status = 0
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), connTimeout)
	defer cancel()
	s, err := dial(ctx, relayURL)
	if err != nil {
		writeErr("Error connecting to %s: %s", relayURL, err)
		return
	}
	defer s.Close()

	if len(args) > 0 {
		status = runCommand(s, args, commandTimeout)
	} else {
		status = runInteractiveShell(s, commandTimeout)
	}
}
