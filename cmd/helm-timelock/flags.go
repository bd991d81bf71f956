package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm-timelock/pkg/client"
	"github.com/Mindburn-Labs/helm-timelock/pkg/contracts"
)

const defaultURL = "http://localhost:8080"

// remoteFlags locate and authenticate against a running server.
type remoteFlags struct {
	url     string
	token   string
	timeout time.Duration
	retries int
}

func (f *remoteFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.url, "url", envOr("HELM_TIMELOCK_URL", defaultURL), "Server base URL")
	fs.StringVar(&f.token, "token", os.Getenv("HELM_TIMELOCK_TOKEN"), "Bearer token")
	fs.DurationVar(&f.timeout, "timeout", 30*time.Second, "Request timeout")
	fs.IntVar(&f.retries, "retries", 2, "Retries on transport errors, 429 and 503")
}

func (f *remoteFlags) client() *client.Client {
	return client.New(f.url,
		client.WithToken(f.token),
		client.WithTimeout(f.timeout),
		client.WithRetries(f.retries, 250*time.Millisecond),
	)
}

// actionFlags describe one action, either field by field or as a JSON file.
type actionFlags struct {
	file      string
	target    string
	value     string
	payload   string
	operation string
	nonce     string
	gasLimit  string
}

func (f *actionFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.file, "action-file", "", "JSON file holding the action (overrides the field flags)")
	fs.StringVar(&f.target, "target", "", "Action target principal")
	fs.StringVar(&f.value, "value", "0", "Value, decimal or 0x hex")
	fs.StringVar(&f.payload, "payload", "", "Payload, 0x hex")
	fs.StringVar(&f.operation, "operation", "call", "call|delegatecall")
	fs.StringVar(&f.nonce, "nonce", "0", "Nonce, decimal or 0x hex")
	fs.StringVar(&f.gasLimit, "gas-limit", "0", "Gas limit; 0 leaves the dispatch unrestricted")
}

func (f *actionFlags) action() (contracts.Action, error) {
	var a contracts.Action
	if f.file != "" {
		data, err := os.ReadFile(f.file)
		if err != nil {
			return a, fmt.Errorf("read action file: %w", err)
		}
		if err := json.Unmarshal(data, &a); err != nil {
			return a, fmt.Errorf("parse action file: %w", err)
		}
		return a, a.Validate()
	}

	if f.target == "" {
		return a, errors.New("--target or --action-file is required")
	}
	a.Target = contracts.Principal(f.target)

	var err error
	if a.Value, err = contracts.ParseUint256(f.value); err != nil {
		return a, fmt.Errorf("--value: %w", err)
	}
	if a.Nonce, err = contracts.ParseUint256(f.nonce); err != nil {
		return a, fmt.Errorf("--nonce: %w", err)
	}
	if a.GasLimit, err = contracts.ParseUint256(f.gasLimit); err != nil {
		return a, fmt.Errorf("--gas-limit: %w", err)
	}
	if f.payload != "" {
		if err := a.Payload.UnmarshalText([]byte(f.payload)); err != nil {
			return a, fmt.Errorf("--payload: %w", err)
		}
	}
	if err := a.Operation.UnmarshalText([]byte(f.operation)); err != nil {
		return a, fmt.Errorf("--operation: %w", err)
	}
	return a, a.Validate()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// splitList parses a comma separated flag value.
func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printJSON(w io.Writer, v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(w, string(data))
}

// reportRemoteError prints err, with the timelock error code when the
// server sent one, and returns the exit code.
func reportRemoteError(w io.Writer, err error) int {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Code != "" {
		printError(w, "%s: %s", apiErr.Code, apiErr.Detail)
		return 1
	}
	printError(w, "%v", err)
	return 1
}
