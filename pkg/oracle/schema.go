package oracle

import (
	"bytes"
	"embed"
	"encoding/json"
	"text/template"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
)

//go:embed prompt/*.md
var promptFS embed.FS

var systemPromptTmpl = template.Must(template.ParseFS(promptFS, "prompt/system.md"))

// exchange holds the rendered system prompt and the validator for one exchange
type exchange[Req, Resp any] struct {
	name         string
	systemPrompt string
	output       *jsonschema.Resolved
}

func newExchange[Req, Resp any](name string) (*exchange[Req, Resp], error) {
	instruction, err := promptFS.ReadFile("prompt/" + name + ".md")
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read instruction", goerr.V("exchange", name))
	}

	inSchema, err := jsonschema.For[Req](nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to infer input schema", goerr.V("exchange", name))
	}
	outSchema, err := jsonschema.For[Resp](nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to infer output schema", goerr.V("exchange", name))
	}
	allowExtraProperties(outSchema)

	resolved, err := outSchema.Resolve(nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to resolve output schema", goerr.V("exchange", name))
	}

	inJSON, err := json.MarshalIndent(inSchema, "", "  ")
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal input schema", goerr.V("exchange", name))
	}
	outJSON, err := json.MarshalIndent(outSchema, "", "  ")
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal output schema", goerr.V("exchange", name))
	}

	var buf bytes.Buffer
	if err := systemPromptTmpl.Execute(&buf, map[string]string{
		"Instruction":  string(bytes.TrimSpace(instruction)),
		"InputSchema":  string(inJSON),
		"OutputSchema": string(outJSON),
	}); err != nil {
		return nil, goerr.Wrap(err, "failed to render system prompt", goerr.V("exchange", name))
	}

	return &exchange[Req, Resp]{
		name:         name,
		systemPrompt: buf.String(),
		output:       resolved,
	}, nil
}

// allowExtraProperties lifts the closed-object default of inferred struct
// schemas so that replies may carry fields beyond the required ones.
func allowExtraProperties(s *jsonschema.Schema) {
	if s == nil {
		return
	}
	s.AdditionalProperties = nil
	for _, prop := range s.Properties {
		allowExtraProperties(prop)
	}
	allowExtraProperties(s.Items)
}
