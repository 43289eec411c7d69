package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/99designs/keyring"
	"golang.org/x/term"
)

const (
	keyringServiceName   = "com.niports.tracking-relay"
	keyringSecretService = "upstreamSecret"
)

type backendType struct {
	config *Config
}

func (b backendType) String() string {
	if b.config == nil || len(b.config.Backend.AllowedBackends) == 0 {
		return string(keyring.InvalidBackend)
	}
	return string(b.config.Backend.AllowedBackends[0])
}

func (b backendType) Set(v string) error {
	value := keyring.BackendType(v)
	if b.config == nil {
		return fmt.Errorf("invalid backendType")
	}
	if v == "" {
		return nil
	}
	for _, name := range keyring.AvailableBackends() {
		if name == value {
			b.config.Backend.AllowedBackends = []keyring.BackendType{name}
			return nil
		}
	}
	return fmt.Errorf("unsupported credential storage")
}

// promptWriter returns the terminal used for interactive prompts.
func promptWriter() (io.Writer, error) {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		return os.Stdout, nil
	}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return os.Stderr, nil
	}
	return nil, fmt.Errorf("no terminal output available for password prompt")
}

func readHidden(prompt string) (string, error) {
	w, err := promptWriter()
	if err != nil {
		return "", err
	}
	fmt.Fprintf(w, "%s: ", prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", err
	}
	fmt.Fprintln(w)
	return string(b), nil
}

func (c *Config) getPassword(prompt string) (string, error) {
	if c.password != nil && *c.password != "" {
		return *c.password, nil
	}
	password, err := readHidden(prompt)
	if err != nil {
		return "", err
	}
	c.password = &password
	return password, nil
}

// PromptSecret reads the upstream secret from the terminal without echoing it.
func (c *Config) PromptSecret() (string, error) {
	secret, err := readHidden(fmt.Sprintf("Upstream secret for %s", c.Username))
	if err != nil {
		return "", err
	}
	if secret == "" {
		return "", ErrNoSecretSpecified
	}
	return secret, nil
}

func (c *Config) openKeyring() (keyring.Keyring, error) {
	return keyring.Open(c.Backend)
}

func (c *Config) fullSecretName() string {
	return keyringSecretService + "." + c.KeyringSecretName
}

// LoadSecretFromKeyring loads the upstream secret from the system keyring.
//
// The name must match the value provided to SaveSecretToKeyring.
func (c *Config) LoadSecretFromKeyring() (string, error) {
	kr, err := c.openKeyring()
	if err != nil {
		return "", err
	}

	item, err := kr.Get(c.fullSecretName())
	if err != nil {
		return "", fmt.Errorf("could not load secret: %w", err)
	}
	return string(item.Data), nil
}

// SaveSecretToKeyring writes the upstream secret to the system keyring under c.KeyringSecretName.
//
// The name identifies the secret for future use and does not need to match the upstream username.
func (c *Config) SaveSecretToKeyring(secret string) error {
	if c.KeyringSecretName == "" {
		return fmt.Errorf("keyring secret name not provided")
	}
	kr, err := c.openKeyring()
	if err != nil {
		return err
	}

	if err := kr.Set(keyring.Item{
		Key:   c.fullSecretName(),
		Label: "tracking relay upstream secret",
		Data:  []byte(secret),
	}); err != nil {
		return fmt.Errorf("failed to enroll secret in keyring: %s", err)
	}
	return nil
}

// DeleteSecret removes the upstream secret from the system keyring.
func (c *Config) DeleteSecret() error {
	kr, err := c.openKeyring()
	if err != nil {
		return err
	}
	return kr.Remove(c.fullSecretName())
}
