package secrets

import (
	"context"
	"os"
	"strings"

	"github.com/rendis/chainflow/pkg/schema"
)

// DefaultWorkspace names the vault scope for runs without a workspace.
const DefaultWorkspace = "default"

var providerEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
}

// Credentials resolves provider API keys: first the workspace entry in the
// vault, then the provider's environment variable.
type Credentials struct {
	vault     Vault
	lookupEnv func(string) (string, bool)
}

// NewCredentials returns a resolver over v. A nil vault only consults the
// environment.
func NewCredentials(v Vault) *Credentials {
	return &Credentials{vault: v, lookupEnv: os.LookupEnv}
}

// ResolveCredential implements executors.CredentialResolver.
func (c *Credentials) ResolveCredential(ctx context.Context, workspaceID, provider string) (string, bool, error) {
	provider = strings.ToLower(provider)
	if workspaceID == "" {
		workspaceID = DefaultWorkspace
	}
	if c.vault != nil {
		val, err := c.vault.Resolve(ctx, ProviderKey(workspaceID, provider))
		switch {
		case err == nil && len(val) > 0:
			return string(val), true, nil
		case err != nil && schema.ErrorCode(err) != schema.ErrCodeNotFound:
			return "", false, err
		}
	}
	if name, ok := providerEnv[provider]; ok {
		if key, ok := c.lookupEnv(name); ok && key != "" {
			return key, true, nil
		}
	}
	return "", false, nil
}
