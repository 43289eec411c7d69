/*
Package cli facilitates building command-line applications around the relay. It defines a [Config]
type that can be used to register common command-line flags (using the Golang flag package) and
environment variable equivalents.

The upstream secret can be provided literally, through a file, or through [keyring]'s
platform-agnostic interface to an OS-dependent credential store.

# Examples

	config, err := NewConfig(FlagAll)
	if err != nil {
		panic(err)
	}
	config.RegisterCommandLineFlags() // Adds command-line flags for credentials, upstream, etc.
	flag.Parse()
	if err := config.ReadFromEnvironment(); err != nil { // Fills in missing fields
		panic(err)
	}
	if err := config.LoadCredentials(); err != nil { // Prompt for Keyring password if needed
		panic(err)
	}

	upstream := config.Upstream()
	acct, err := config.Account(upstream)

Use a [Flag] mask to control what [Config] fields are populated. config.Flags must be set before
calling [flag.Parse] or [Config.ReadFromEnvironment]:

	config, err = NewConfig(FlagCredentials) // Only the upstream identity.
*/
package cli

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/99designs/keyring"

	"github.com/niports/tracking-relay/internal/log"
	"github.com/niports/tracking-relay/pkg/account"
	"github.com/niports/tracking-relay/pkg/connector"
	"github.com/niports/tracking-relay/pkg/connector/inet"
	"github.com/niports/tracking-relay/pkg/poller"
)

// Environment variables read by [Config.ReadFromEnvironment].
const (
	EnvRelayUsername      = "RELAY_USERNAME"
	EnvRelaySecret        = "RELAY_SECRET"
	EnvRelaySecretFile    = "RELAY_SECRET_FILE"
	EnvRelaySecretName    = "RELAY_SECRET_NAME"
	EnvRelayClientID      = "RELAY_CLIENT_ID"
	EnvRelayUpstreamURL   = "RELAY_UPSTREAM_URL"
	EnvRelayPollInterval  = "RELAY_POLL_INTERVAL"
	EnvRelayPollTimeout   = "RELAY_POLL_TIMEOUT"
	EnvRelayLoginRetry    = "RELAY_LOGIN_RETRY"
	EnvRelaySessionTTL    = "RELAY_SESSION_TTL"
	EnvRelayKeyringType   = "RELAY_KEYRING_TYPE"
	EnvRelayKeyringPass   = "RELAY_KEYRING_PASSWORD"
	EnvRelayKeyringPath   = "RELAY_KEYRING_PATH"
	EnvRelayKeyringDebug  = "RELAY_KEYRING_DEBUG"
	defaultKeyringDirName = "~/.tracking_relay"
)

// Flag controls what options should be scanned from the command line and/or environment variables.
type Flag int

func (f Flag) isSet(other Flag) bool {
	return (f & other) == other
}

const (
	FlagCredentials Flag = 1 // Enable username/secret options, including the keyring.
	FlagUpstream    Flag = 2 // Enable upstream URL and client identification options.
	FlagPolling     Flag = 4 // Enable polling cadence options.
	FlagAll         Flag = FlagCredentials | FlagUpstream | FlagPolling
)

var (
	ErrNoSecretSpecified = errors.New("upstream secret not provided (use -secret-file, -secret-name or $RELAY_SECRET)")
	ErrKeyNotFound       = keyring.ErrKeyNotFound
)

// Config fields determine how the relay identifies itself to the upstream and how often it polls.
type Config struct {
	Flags Flag // Controls which set of environment variables/CLI flags to use.

	Username          string
	SecretFilename    string
	KeyringSecretName string // Keyring item holding the upstream secret
	ClientID          string
	UpstreamURL       string

	PollInterval       time.Duration
	PollTimeout        time.Duration
	LoginRetryInterval time.Duration
	SessionTTL         time.Duration // Fallback lifetime for tokens without an expiry claim

	Backend     keyring.Config
	BackendType backendType
	Debug       bool // Enable keyring debug messages

	password *string
	secret   string
}

func NewConfig(flags Flag) (*Config, error) {
	c := Config{
		Flags:              flags,
		ClientID:           account.DefaultClientID,
		UpstreamURL:        inet.DefaultBaseURL,
		PollInterval:       poller.DefaultPollInterval,
		PollTimeout:        poller.DefaultPollTimeout,
		LoginRetryInterval: poller.DefaultLoginRetryInterval,
		Backend: keyring.Config{
			ServiceName:              keyringServiceName,
			KeychainTrustApplication: true,
			KeyCtlScope:              "user",
		},
	}
	c.BackendType = backendType{&c}
	c.Backend.KeychainPasswordFunc = c.getPassword
	c.Backend.FilePasswordFunc = c.getPassword

	return &c, nil
}

func (c *Config) RegisterCommandLineFlags() {
	c.RegisterFlags(flag.CommandLine)
}

// RegisterFlags is like RegisterCommandLineFlags but registers options on fs.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	if c.Flags.isSet(FlagCredentials) {
		fs.StringVar(&c.Username, "username", "", "Upstream account `name`. Defaults to $RELAY_USERNAME.")
		fs.StringVar(&c.SecretFilename, "secret-file", "", "A `file` containing the upstream secret. Defaults to $RELAY_SECRET_FILE.")
		fs.StringVar(&c.KeyringSecretName, "secret-name", "", "System keyring `name` for the upstream secret. Defaults to $RELAY_SECRET_NAME.")

		var names []string
		for _, name := range keyring.AvailableBackends() {
			names = append(names, string(name))
		}
		sort.Strings(names)
		fs.Var(&c.BackendType, "keyring-type", "Keyring `type` ("+strings.Join(names, "|")+"). Defaults to $RELAY_KEYRING_TYPE.")
		fs.StringVar(&c.Backend.FileDir, "keyring-file-dir", "", "keyring `directory` for file-backed keyring types. Defaults to $RELAY_KEYRING_PATH or "+defaultKeyringDirName+".")
		fs.BoolVar(&c.Debug, "keyring-debug", false, "Enable keyring debug logging")
	}
	if c.Flags.isSet(FlagUpstream) {
		fs.StringVar(&c.UpstreamURL, "upstream", inet.DefaultBaseURL, "Upstream API base `URL`. Defaults to $RELAY_UPSTREAM_URL.")
		fs.StringVar(&c.ClientID, "client-id", account.DefaultClientID, "Browser `identifier` sent with login requests. Defaults to $RELAY_CLIENT_ID.")
	}
	if c.Flags.isSet(FlagPolling) {
		fs.DurationVar(&c.PollInterval, "poll-interval", poller.DefaultPollInterval, "Interval between position polls. Defaults to $RELAY_POLL_INTERVAL.")
		fs.DurationVar(&c.PollTimeout, "poll-timeout", poller.DefaultPollTimeout, "Timeout of a single position poll. Defaults to $RELAY_POLL_TIMEOUT.")
		fs.DurationVar(&c.LoginRetryInterval, "login-retry", poller.DefaultLoginRetryInterval, "Interval between login attempts while logged out. Defaults to $RELAY_LOGIN_RETRY.")
		fs.DurationVar(&c.SessionTTL, "session-ttl", 0, "Lifetime of tokens without an expiry claim (0 for unlimited). Defaults to $RELAY_SESSION_TTL.")
	}
}

func durationFromEnv(value *time.Duration, unset time.Duration, name string) error {
	if *value != unset {
		return nil
	}
	raw, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %s", name, raw)
	}
	*value = d
	log.Debug("Set %s to %s", name, d)
	return nil
}

// ReadFromEnvironment populates c using environment variables. Values that are already populated
// are not overwritten.
//
// Calling ReadFromEnvironment after flag.Parse() (or other initialization method) will prevent the
// environment from overriding explicit command-line parameters and avoid potentially misleading
// debug log messages.
func (c *Config) ReadFromEnvironment() error {
	if c.Flags.isSet(FlagCredentials) {
		if c.Username == "" {
			c.Username = os.Getenv(EnvRelayUsername)
			log.Debug("Set username to '%s'", c.Username)
		}
		if c.secret == "" && c.SecretFilename == "" && c.KeyringSecretName == "" {
			c.secret = os.Getenv(EnvRelaySecret)
			if c.secret != "" {
				log.Debug("Set secret to %s", strings.Repeat("*", len("hunter2")))
			}

			c.SecretFilename = os.Getenv(EnvRelaySecretFile)
			log.Debug("Set secret file to '%s'", c.SecretFilename)

			c.KeyringSecretName = os.Getenv(EnvRelaySecretName)
			log.Debug("Set secret name to '%s'", c.KeyringSecretName)
		}
		if c.BackendType.String() == string(keyring.InvalidBackend) {
			if err := c.BackendType.Set(os.Getenv(EnvRelayKeyringType)); err == nil {
				log.Debug("Set keyring type to '%s'", c.BackendType)
			}
		}
		if c.password == nil {
			password := os.Getenv(EnvRelayKeyringPass)
			c.password = &password
			if len(password) > 0 {
				log.Debug("Set keyring File Password to %s", strings.Repeat("*", len("hunter2")))
			}
		}
		if c.Backend.FileDir == "" {
			c.Backend.FileDir = os.Getenv(EnvRelayKeyringPath)
			if c.Backend.FileDir == "" {
				c.Backend.FileDir = defaultKeyringDirName
			}
			log.Debug("Set keyring File Path to '%s'", c.Backend.FileDir)
		}
		if !c.Debug {
			_, c.Debug = os.LookupEnv(EnvRelayKeyringDebug)
			log.Debug("Set keyring Debug Logging to '%v'", c.Debug)
		}
		keyring.Debug = c.Debug
	}
	if c.Flags.isSet(FlagUpstream) {
		if c.UpstreamURL == inet.DefaultBaseURL {
			if url, ok := os.LookupEnv(EnvRelayUpstreamURL); ok && url != "" {
				c.UpstreamURL = url
				log.Debug("Set upstream URL to '%s'", c.UpstreamURL)
			}
		}
		if c.ClientID == account.DefaultClientID {
			if id, ok := os.LookupEnv(EnvRelayClientID); ok && id != "" {
				c.ClientID = id
				log.Debug("Set client id to '%s'", c.ClientID)
			}
		}
	}
	if c.Flags.isSet(FlagPolling) {
		if err := durationFromEnv(&c.PollInterval, poller.DefaultPollInterval, EnvRelayPollInterval); err != nil {
			return err
		}
		if err := durationFromEnv(&c.PollTimeout, poller.DefaultPollTimeout, EnvRelayPollTimeout); err != nil {
			return err
		}
		if err := durationFromEnv(&c.LoginRetryInterval, poller.DefaultLoginRetryInterval, EnvRelayLoginRetry); err != nil {
			return err
		}
		if err := durationFromEnv(&c.SessionTTL, 0, EnvRelaySessionTTL); err != nil {
			return err
		}
	}
	return nil
}

// SetSecret provides the upstream secret directly, bypassing files and the keyring.
func (c *Config) SetSecret(secret string) {
	c.secret = secret
}

// LoadCredentials resolves the upstream secret, prompting for a keyring password if needed. Call
// this method before starting background tasks so that interactive prompts happen up front.
func (c *Config) LoadCredentials() error {
	if !c.Flags.isSet(FlagCredentials) {
		return nil
	}
	_, err := c.Secret()
	return err
}

// Secret returns the upstream secret. A literal secret wins over a secret file, which wins over the
// keyring. The secret is cached after it is first loaded.
func (c *Config) Secret() (string, error) {
	if c.secret != "" {
		return c.secret, nil
	}
	if c.SecretFilename != "" {
		data, err := os.ReadFile(c.SecretFilename)
		if err == nil {
			c.secret = strings.TrimRight(string(data), "\r\n")
			if c.secret == "" {
				return "", fmt.Errorf("secret file %s is empty", c.SecretFilename)
			}
			return c.secret, nil
		}
		if !errors.Is(err, os.ErrNotExist) || c.KeyringSecretName == "" {
			return "", err
		}
		// If the secret file doesn't exist, fall through to trying to load from the system keyring.
	}
	if c.KeyringSecretName == "" {
		return "", ErrNoSecretSpecified
	}
	secret, err := c.LoadSecretFromKeyring()
	if err != nil {
		return "", err
	}
	c.secret = secret
	return secret, nil
}

// Credential returns the validated upstream identity.
func (c *Config) Credential() (account.Credential, error) {
	secret, err := c.Secret()
	if err != nil {
		return account.Credential{}, err
	}
	cred := account.Credential{Username: c.Username, Secret: secret, ClientID: c.ClientID}
	if err := cred.Validate(); err != nil {
		return account.Credential{}, err
	}
	return cred, nil
}

// Upstream returns a connection to the configured upstream API.
func (c *Config) Upstream() *inet.Connection {
	return inet.NewConnection(c.UpstreamURL, inet.DefaultUserAgent)
}

// Account returns an unauthenticated account for the configured identity.
func (c *Config) Account(upstream connector.Authenticator) (*account.Account, error) {
	cred, err := c.Credential()
	if err != nil {
		return nil, err
	}
	acct, err := account.New(cred, upstream)
	if err != nil {
		return nil, err
	}
	acct.LoginTimeout = c.PollTimeout
	acct.SessionTTL = c.SessionTTL
	return acct, nil
}

// ConfigurePoller applies c's cadence to p.
func (c *Config) ConfigurePoller(p *poller.Poller) {
	p.Interval = c.PollInterval
	p.Timeout = c.PollTimeout
}

// LoginTask returns a login task configured with c's cadence.
func (c *Config) LoginTask(acct *account.Account) *poller.LoginTask {
	task := poller.NewLoginTask(acct)
	task.Interval = c.LoginRetryInterval
	task.Timeout = c.PollTimeout
	return task
}
