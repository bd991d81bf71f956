package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/helm-timelock/pkg/api"
	"github.com/Mindburn-Labs/helm-timelock/pkg/client"
	"github.com/Mindburn-Labs/helm-timelock/pkg/config"
	"github.com/Mindburn-Labs/helm-timelock/pkg/contracts"
	"github.com/Mindburn-Labs/helm-timelock/pkg/fingerprint"
	"github.com/Mindburn-Labs/helm-timelock/pkg/identity"
)

func runFingerprintCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("fingerprint", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		chainContext string
		module       string
		executorID   string
		jsonOutput   bool
		af           actionFlags
	)
	cmd.StringVar(&chainContext, "chain-context", envOr("HELM_TIMELOCK_CHAIN_CONTEXT", "local"), "Chain context of the timelock")
	cmd.StringVar(&module, "module", envOr("HELM_TIMELOCK_MODULE_ID", "helm-timelock"), "Module identity of the timelock")
	cmd.StringVar(&executorID, "executor", "", "Executor principal (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")
	af.register(cmd)
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if executorID == "" {
		printError(stderr, "--executor is required")
		cmd.Usage()
		return 2
	}
	action, err := af.action()
	if err != nil {
		printError(stderr, "%v", err)
		return 2
	}

	gen := fingerprint.NewV1(fingerprint.Domain{ChainContext: chainContext, Module: contracts.Principal(module)})
	fp, err := gen.Compute(contracts.Principal(executorID), action)
	if err != nil {
		printError(stderr, "%v", err)
		return 1
	}
	if jsonOutput {
		printJSON(stdout, map[string]any{"fingerprint": fp, "version": gen.Version()})
		return 0
	}
	fmt.Fprintln(stdout, fp.Hex())
	return 0
}

func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		subject string
		roles   string
	)
	cmd.StringVar(&subject, "sub", "", "Principal the token authenticates (REQUIRED)")
	cmd.StringVar(&roles, "roles", "", "Comma separated roles, e.g. operator")
	ttl := cmd.Duration("ttl", 0, "Token lifetime (default HELM_TIMELOCK_TOKEN_TTL)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if subject == "" {
		printError(stderr, "--sub is required")
		cmd.Usage()
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		printError(stderr, "%v", err)
		return 2
	}
	if cfg.JWTSecret == "" {
		printError(stderr, "HELM_TIMELOCK_JWT_SECRET must be set to issue tokens the server accepts")
		return 2
	}
	if *ttl == 0 {
		*ttl = cfg.TokenTTL
	}

	keys, err := identity.NewKeySetFromSecret([]byte(cfg.JWTSecret))
	if err != nil {
		printError(stderr, "%v", err)
		return 2
	}
	token, err := identity.NewTokenManager(keys).Issue(context.Background(), contracts.Principal(subject), *ttl, splitList(roles)...)
	if err != nil {
		printError(stderr, "%v", err)
		return 1
	}
	fmt.Fprintln(stdout, token)
	return 0
}

func runConfigCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stderr, "Usage: helm-timelock config <set|get> [flags]")
		return 2
	}
	switch args[0] {
	case "set":
		return runConfigSet(args[1:], stdout, stderr)
	case "get":
		return runConfigGet(args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown config subcommand: %s\n", args[0])
		return 2
	}
}

func runConfigSet(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("config set", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		rf        remoteFlags
		announcer string
		cfg       contracts.Config
		validity  uint
	)
	rf.register(cmd)
	cmd.StringVar(&announcer, "announcer", "", "Announcer principal (REQUIRED)")
	cmd.Uint64Var(&cfg.DelaySeconds, "delay", 0, "Seconds between announcement and earliest execution")
	cmd.UintVar(&validity, "validity", 0, "Minutes an announcement stays executable; 0 is unbounded")
	cmd.BoolVar(&cfg.RequireAnnouncerAtExecution, "require-announcer", false, "Announcer must still be configured at execution")
	cmd.BoolVar(&cfg.NotifyExecutorOnAnnounce, "notify", false, "Send announcements to the executor for approval")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if announcer == "" {
		printError(stderr, "--announcer is required")
		return 2
	}
	if validity > 0xFFFF {
		printError(stderr, "--validity must fit in 16 bits")
		return 2
	}
	cfg.ValidityDurationMinutes = uint16(validity)

	resp, err := rf.client().SetConfig(context.Background(), contracts.Principal(announcer), cfg)
	if err != nil {
		return reportRemoteError(stderr, err)
	}
	printJSON(stdout, resp)
	return 0
}

func runConfigGet(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("config get", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		rf         remoteFlags
		executorID string
		ann        string
	)
	rf.register(cmd)
	cmd.StringVar(&executorID, "executor", "", "Executor principal (REQUIRED)")
	cmd.StringVar(&ann, "announcer", "", "Announcer principal (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if executorID == "" || ann == "" {
		printError(stderr, "--executor and --announcer are required")
		return 2
	}

	resp, err := rf.client().GetConfig(context.Background(), contracts.Principal(executorID), contracts.Principal(ann))
	if err != nil {
		return reportRemoteError(stderr, err)
	}
	printJSON(stdout, resp)
	return 0
}

func runAnnounceCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("announce", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		rf         remoteFlags
		af         actionFlags
		executorID string
		validity   uint
	)
	rf.register(cmd)
	af.register(cmd)
	cmd.StringVar(&executorID, "executor", "", "Executor principal (REQUIRED)")
	cmd.UintVar(&validity, "validity", 0, "Requested validity in minutes; 0 takes the configured value")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if executorID == "" {
		printError(stderr, "--executor is required")
		return 2
	}
	if validity > 0xFFFF {
		printError(stderr, "--validity must fit in 16 bits")
		return 2
	}
	action, err := af.action()
	if err != nil {
		printError(stderr, "%v", err)
		return 2
	}

	resp, err := rf.client().Announce(context.Background(), api.AnnounceRequest{
		Executor:                contracts.Principal(executorID),
		Action:                  action,
		ValidityDurationMinutes: uint16(validity),
	})
	if err != nil {
		return reportRemoteError(stderr, err)
	}
	printJSON(stdout, resp)
	return 0
}

func runExecuteCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("execute", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		rf         remoteFlags
		af         actionFlags
		executorID string
	)
	rf.register(cmd)
	af.register(cmd)
	cmd.StringVar(&executorID, "executor", "", "Executor principal (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if executorID == "" {
		printError(stderr, "--executor is required")
		return 2
	}
	action, err := af.action()
	if err != nil {
		printError(stderr, "%v", err)
		return 2
	}

	resp, err := rf.client().Execute(context.Background(), contracts.Principal(executorID), action)
	if err != nil {
		return reportRemoteError(stderr, err)
	}
	printJSON(stdout, resp)
	return 0
}

func runRevokeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("revoke", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		rf remoteFlags
		af actionFlags
	)
	rf.register(cmd)
	af.register(cmd)
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	action, err := af.action()
	if err != nil {
		printError(stderr, "%v", err)
		return 2
	}

	resp, err := rf.client().Revoke(context.Background(), action)
	if err != nil {
		return reportRemoteError(stderr, err)
	}
	printJSON(stdout, resp)
	return 0
}

func runStatusCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("status", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var rf remoteFlags
	rf.register(cmd)
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: helm-timelock status [flags] <fingerprint>")
		return 2
	}
	fp, err := contracts.ParseFingerprint(cmd.Arg(0))
	if err != nil {
		printError(stderr, "%v", err)
		return 2
	}

	resp, err := rf.client().Status(context.Background(), fp)
	if err != nil {
		return reportRemoteError(stderr, err)
	}
	printJSON(stdout, resp)
	return 0
}

func runPruneCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("prune", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var rf remoteFlags
	rf.register(cmd)
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	resp, err := rf.client().Prune(context.Background())
	if err != nil {
		return reportRemoteError(stderr, err)
	}
	printJSON(stdout, resp)
	return 0
}

func runEventsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("events", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		rf     remoteFlags
		fpHex  string
		evType string
		q      client.EventsQuery
	)
	rf.register(cmd)
	cmd.StringVar(&fpHex, "fingerprint", "", "Only events of this fingerprint")
	cmd.StringVar(&evType, "type", "", "Only events of this type")
	cmd.Uint64Var(&q.After, "after", 0, "Only entries after this sequence number")
	cmd.IntVar(&q.Limit, "limit", 0, "Maximum entries to return")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if fpHex != "" {
		fp, err := contracts.ParseFingerprint(fpHex)
		if err != nil {
			printError(stderr, "%v", err)
			return 2
		}
		q.Fingerprint = &fp
	}
	q.Type = contracts.EventType(evType)

	resp, err := rf.client().Events(context.Background(), q)
	if err != nil {
		return reportRemoteError(stderr, err)
	}
	printJSON(stdout, resp)
	return 0
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var rf remoteFlags
	rf.register(cmd)
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	resp, err := rf.client().Health(context.Background())
	if err != nil {
		return reportRemoteError(stderr, err)
	}
	fmt.Fprintf(stdout, "%s%s%s module=%s fingerprint=%s\n", ColorGreen, resp.Status, ColorReset, resp.Module, resp.FingerprintVersion)
	return 0
}
