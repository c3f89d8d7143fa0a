package agent

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// policyDocument is the traffic-policy artifact the agent consumes at
// session startup. It admits only identities whose email ends with the
// configured domain suffix.
type policyDocument struct {
	OnHTTPRequest []policyRule `yaml:"on_http_request"`
}

type policyRule struct {
	Name        string         `yaml:"name"`
	Expressions []string       `yaml:"expressions,omitempty"`
	Actions     []policyAction `yaml:"actions"`
}

type policyAction struct {
	Type   string         `yaml:"type"`
	Config map[string]any `yaml:"config,omitempty"`
}

func renderPolicy(emailDomain string) ([]byte, error) {
	doc := policyDocument{
		OnHTTPRequest: []policyRule{
			{
				Name: "require-login",
				Actions: []policyAction{{
					Type:   "oauth",
					Config: map[string]any{"provider": "google"},
				}},
			},
			{
				Name: "restrict-email-domain",
				Expressions: []string{
					fmt.Sprintf("!actions.ngrok.oauth.identity.email.endsWith('@%s')", emailDomain),
				},
				Actions: []policyAction{{
					Type:   "deny",
					Config: map[string]any{"status_code": 403},
				}},
			},
		},
	}
	return yaml.Marshal(doc)
}

// WritePolicy renders the access policy for emailDomain and writes it to
// path, creating parent directories as needed.
func WritePolicy(path, emailDomain string) error {
	rendered, err := renderPolicy(emailDomain)
	if err != nil {
		return errors.Wrap(err, "render policy")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create policy dir")
	}
	if err := os.WriteFile(path, rendered, 0o600); err != nil {
		return errors.Wrap(err, "write policy")
	}
	return nil
}
