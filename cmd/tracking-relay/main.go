package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/niports/tracking-relay/internal/log"
	"github.com/niports/tracking-relay/pkg/cache"
	"github.com/niports/tracking-relay/pkg/cli"
	"github.com/niports/tracking-relay/pkg/gateway"
	"github.com/niports/tracking-relay/pkg/netid"
	"github.com/niports/tracking-relay/pkg/poller"
	"github.com/niports/tracking-relay/pkg/relay"
)

const defaultPort = relay.DefaultPort

const (
	EnvHost         = "RELAY_HOST"
	EnvPort         = "RELAY_PORT"
	EnvPlatformPort = "PORT"
	EnvOrigins      = "RELAY_ALLOWED_ORIGINS"
	EnvVerbose      = "RELAY_VERBOSE"
)

type RelayConfig struct {
	verbose    bool
	host       string
	port       int
	origins    string
	saveSecret bool
}

var (
	relayConfig = &RelayConfig{}
)

func init() {
	flag.BoolVar(&relayConfig.verbose, "verbose", false, "Enable verbose logging")
	flag.StringVar(&relayConfig.host, "host", "", "Relay server `hostname` (empty for all interfaces)")
	flag.IntVar(&relayConfig.port, "port", defaultPort, "`Port` to listen on")
	flag.StringVar(&relayConfig.origins, "allowed-origins", "", "Comma-separated `origins` allowed to make cross-origin requests (empty for any)")
	flag.BoolVar(&relayConfig.saveSecret, "save-secret", false, "Prompt for the upstream secret, store it in the system keyring under -secret-name and exit")
}

func Usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [OPTION...]\n", os.Args[0])
	fmt.Fprintf(out, "\nA server that polls vehicle positions from GPS51 and pushes them to WebSocket clients.\n")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Options:")
	flag.PrintDefaults()
}

func main() {
	config, err := cli.NewConfig(cli.FlagAll)

	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load credential configuration: %s\n", err)
		os.Exit(1)
	}

	defer func() {
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}
	}()

	flag.Usage = Usage
	config.RegisterCommandLineFlags()
	flag.Parse()
	if err = readFromEnvironment(); err != nil {
		return
	}
	if err = config.ReadFromEnvironment(); err != nil {
		return
	}

	if relayConfig.verbose {
		log.SetLevel(log.LevelDebug)
	}
	defer log.Sync()

	if relayConfig.saveSecret {
		err = saveSecret(config)
		return
	}

	// Missing credentials are fatal before anything is served.
	if err = config.LoadCredentials(); err != nil {
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = run(ctx, config)
}

func saveSecret(config *cli.Config) error {
	secret, err := config.PromptSecret()
	if err != nil {
		return err
	}
	if err := config.SaveSecretToKeyring(secret); err != nil {
		return err
	}
	fmt.Printf("Stored upstream secret as %q\n", config.KeyringSecretName)
	return nil
}

func allowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(relayConfig.origins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

func run(ctx context.Context, config *cli.Config) error {
	upstream := config.Upstream()
	acct, err := config.Account(upstream)
	if err != nil {
		return err
	}

	positions := cache.New()
	tracker := netid.NewTracker(netid.NewMonitor())
	hub := gateway.NewHub(positions, tracker)

	p := poller.New(acct, upstream, positions, tracker, hub)
	config.ConfigurePoller(p)
	login := config.LoginTask(acct)

	log.Debug("Creating relay server")
	server := relay.New(acct, positions, tracker, hub, allowedOrigins())
	addr := net.JoinHostPort(relayConfig.host, strconv.Itoa(relayConfig.port))
	log.Info("Relay network address is %s", tracker.Current().Address)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return login.Serve(ctx) })
	g.Go(func() error { return p.Serve(ctx) })
	g.Go(func() error { return server.ListenAndServe(ctx, addr) })
	err = g.Wait()
	log.Info("Relay stopped")
	return err
}

// readFromEnvironment applies configuration from environment variables.
// Values are not overwritten.
func readFromEnvironment() error {
	if relayConfig.host == "" {
		if host, ok := os.LookupEnv(EnvHost); ok {
			relayConfig.host = host
		}
	}

	if !relayConfig.verbose {
		if verbose, ok := os.LookupEnv(EnvVerbose); ok {
			relayConfig.verbose = verbose != "false" && verbose != "0"
		}
	}

	if relayConfig.origins == "" {
		relayConfig.origins = os.Getenv(EnvOrigins)
	}

	if relayConfig.port == defaultPort {
		for _, name := range []string{EnvPort, EnvPlatformPort} {
			port, ok := os.LookupEnv(name)
			if !ok || port == "" {
				continue
			}
			var err error
			relayConfig.port, err = strconv.Atoi(port)
			if err != nil {
				return fmt.Errorf("invalid port: %s", port)
			}
			break
		}
	}

	return nil
}
