package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
)

// Request is one invocation request. Treat it as immutable once validated.
type Request struct {
	Tool           string   `json:"tool" jsonschema:"required,description=Tool name or alias,example=claude"`
	Prompt         string   `json:"prompt" jsonschema:"required,description=Prompt text delivered to the tool"`
	Model          string   `json:"model,omitempty" jsonschema:"description=Model override"`
	AllowedTools   []string `json:"allowedTools,omitempty" jsonschema:"description=Capabilities the tool may use"`
	SystemPrompt   string   `json:"systemPrompt,omitempty" jsonschema:"description=Additional system prompt"`
	CredentialPath string   `json:"credentialPath,omitempty" jsonschema:"description=Env file with credentials for this call"`
	MaxTokens      int      `json:"maxTokens,omitempty" jsonschema:"minimum=0,description=Output token cap"`
	WorkDir        string   `json:"workDir,omitempty" jsonschema:"description=Working directory of the tool"`
}

// ErrInvalidRequest marks validation failures.
var ErrInvalidRequest = errors.New("invalid request")

// Validate checks the fields a request cannot do without.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Tool) == "" {
		return fmt.Errorf("%w: tool is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	if r.MaxTokens < 0 {
		return fmt.Errorf("%w: maxTokens must not be negative", ErrInvalidRequest)
	}
	for _, t := range r.AllowedTools {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("%w: allowedTools contains an empty entry", ErrInvalidRequest)
		}
	}
	return nil
}

// RequestSchema returns the JSON schema of Request.
func RequestSchema() (json.RawMessage, error) {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(&Request{})
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal request schema: %w", err)
	}
	return data, nil
}
