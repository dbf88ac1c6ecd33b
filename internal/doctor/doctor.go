// Package doctor runs offline diagnostic checks over a relay deployment:
// configuration, database, catalog completeness, credentials and network
// reachability of the configured model backends.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/accord-labs/relay/internal/config"
	"github.com/accord-labs/relay/internal/persistence"
	"github.com/accord-labs/relay/internal/secrets"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check ended in FAIL.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, config.Config) CheckResult{
		checkHomeDir,
		checkDatabase,
		checkCatalog,
		checkCredentials,
		checkNetwork,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkHomeDir(_ context.Context, cfg config.Config) CheckResult {
	if cfg.HomeDir == "" {
		return CheckResult{Name: "Home", Status: "FAIL", Message: "no home directory configured"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Home", Status: "FAIL", Message: fmt.Sprintf("home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Home", Status: "PASS", Message: fmt.Sprintf("%s writable", cfg.HomeDir)}
}

func checkDatabase(ctx context.Context, cfg config.Config) CheckResult {
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("open failed: %v", err)}
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("ping failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "connection and schema valid", Detail: cfg.DBPath}
}

// checkCatalog verifies a dispatch could resolve an agent and a provider.
func checkCatalog(ctx context.Context, cfg config.Config) CheckResult {
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Catalog", Status: "SKIP", Message: "database unavailable"}
	}
	defer store.Close()

	agent, err := store.DefaultAgent(ctx)
	if err != nil {
		return CheckResult{Name: "Catalog", Status: "FAIL", Message: fmt.Sprintf("agent lookup failed: %v", err)}
	}
	if agent == nil {
		return CheckResult{
			Name:    "Catalog",
			Status:  "WARN",
			Message: "no default agent configured",
			Detail:  "tasks without an explicit agent_id will fail",
		}
	}
	provider, err := store.FirstActiveProvider(ctx)
	if err != nil || provider == nil {
		return CheckResult{Name: "Catalog", Status: "FAIL", Message: "no active llm provider configured"}
	}
	return CheckResult{
		Name:    "Catalog",
		Status:  "PASS",
		Message: fmt.Sprintf("default agent %q, provider %q (%s)", agent.Slug, provider.Name, provider.Type),
	}
}

// checkCredentials resolves the API key of every active provider through the
// same vault path the dispatcher uses.
func checkCredentials(ctx context.Context, cfg config.Config) CheckResult {
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Credentials", Status: "SKIP", Message: "database unavailable"}
	}
	defer store.Close()
	vault, err := secrets.Open(cfg.SecretsFile, nil)
	if err != nil {
		return CheckResult{Name: "Credentials", Status: "FAIL", Message: fmt.Sprintf("open vault: %v", err)}
	}

	providers, err := store.ListActiveProviders(ctx)
	if err != nil {
		return CheckResult{Name: "Credentials", Status: "FAIL", Message: fmt.Sprintf("list providers: %v", err)}
	}
	if len(providers) == 0 {
		return CheckResult{Name: "Credentials", Status: "SKIP", Message: "no active providers"}
	}

	missing := ""
	for _, p := range providers {
		if _, err := vault.ResolveProvider(string(p.Type)); err != nil {
			if missing != "" {
				missing += ", "
			}
			missing += secrets.ProviderSecretName(string(p.Type))
		}
	}
	if missing != "" {
		return CheckResult{
			Name:    "Credentials",
			Status:  "FAIL",
			Message: "missing secrets: " + missing,
			Detail:  "set the env var or add the key to " + cfg.SecretsFile,
		}
	}
	return CheckResult{Name: "Credentials", Status: "PASS", Message: fmt.Sprintf("%d provider secret(s) resolvable", len(providers))}
}

var providerHosts = map[persistence.ProviderType]string{
	persistence.ProviderOpenAI:    "api.openai.com",
	persistence.ProviderAnthropic: "api.anthropic.com",
	persistence.ProviderGoogle:    "generativelanguage.googleapis.com",
}

func checkNetwork(ctx context.Context, cfg config.Config) CheckResult {
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "database unavailable"}
	}
	defer store.Close()
	provider, err := store.FirstActiveProvider(ctx)
	if err != nil || provider == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "no active provider to reach"}
	}
	host, ok := providerHosts[provider.Type]
	if !ok || provider.BaseURL != "" {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "provider uses a custom endpoint"}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
	}
}
