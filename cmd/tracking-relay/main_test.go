package main

import (
	"flag"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// assertEquals should be replaced with a real assertion library
func assertEquals(t *testing.T, expected, actual interface{}, message string) {
	t.Helper()
	if expected != actual {
		t.Errorf("%s: expected %v, got %v", message, expected, actual)
	}
}

func TestParseConfig(t *testing.T) {
	for _, name := range []string{EnvHost, EnvPort, EnvPlatformPort, EnvOrigins, EnvVerbose} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
	origArgs := os.Args
	os.Args = []string{"cmd"}
	defer func() {
		os.Args = origArgs
	}()

	t.Run("default values", func(t *testing.T) {
		err := readFromEnvironment()
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		assertEquals(t, "", relayConfig.host, "host")
		assertEquals(t, defaultPort, relayConfig.port, "port")
		assertEquals(t, false, relayConfig.verbose, "verbose")
		if origins := allowedOrigins(); len(origins) != 0 {
			t.Errorf("origins: expected none, got %v", origins)
		}
	})

	t.Run("platform port", func(t *testing.T) {
		t.Setenv(EnvPlatformPort, "5000")
		err := readFromEnvironment()
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		assertEquals(t, 5000, relayConfig.port, "port")
		relayConfig.port = defaultPort
	})

	t.Run("environment variables", func(t *testing.T) {
		t.Setenv(EnvHost, "127.0.0.1")
		t.Setenv(EnvPort, "8443")
		t.Setenv(EnvPlatformPort, "5000")
		t.Setenv(EnvVerbose, "true")
		t.Setenv(EnvOrigins, "https://a.example.com, https://b.example.com")

		err := readFromEnvironment()
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		assertEquals(t, "127.0.0.1", relayConfig.host, "host")
		assertEquals(t, 8443, relayConfig.port, "port")
		assertEquals(t, true, relayConfig.verbose, "verbose")
		if diff := cmp.Diff([]string{"https://a.example.com", "https://b.example.com"}, allowedOrigins()); diff != "" {
			t.Errorf("origins mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("invalid port", func(t *testing.T) {
		relayConfig.port = defaultPort
		t.Setenv(EnvPort, "http")
		if err := readFromEnvironment(); err == nil {
			t.Error("expected error for invalid port")
		}
		relayConfig.port = defaultPort
	})

	t.Run("flags override environment variables", func(t *testing.T) {
		t.Setenv(EnvHost, "envhost")
		t.Setenv(EnvPort, "8443")
		os.Args = []string{"cmd", "-host", "flaghost", "-port", "9090"}

		flag.CommandLine.Parse(os.Args[1:])
		err := readFromEnvironment()
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		assertEquals(t, "flaghost", relayConfig.host, "host")
		assertEquals(t, 9090, relayConfig.port, "port")
	})
}
