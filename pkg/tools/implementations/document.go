package implementations

import (
	"context"
	"strings"

	"github.com/syntor/taskmesh/pkg/tools"
)

// ValidateTool runs simple quality checks over a piece of content
type ValidateTool struct{}

// NewValidateTool creates a new content validation tool
func NewValidateTool() *ValidateTool {
	return &ValidateTool{}
}

func (t *ValidateTool) Name() string { return "validate" }

func (t *ValidateTool) Description() string {
	return "Validates content quality."
}

func (t *ValidateTool) Parameters() []tools.ArgSpec {
	return []tools.ArgSpec{
		{Name: "content", Type: tools.ArgString, Description: "Content to validate", Required: true},
	}
}

func (t *ValidateTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	content := args["content"].(string)

	var checks []string
	if len(content) < 50 {
		checks = append(checks, "WARN content is quite short")
	} else {
		checks = append(checks, "OK adequate length")
	}
	if strings.Contains(content, "\n") {
		checks = append(checks, "OK has structure")
	}
	lower := strings.ToLower(content)
	for _, word := range []string{"error", "fail", "issue", "problem"} {
		if strings.Contains(lower, word) {
			checks = append(checks, "WARN contains error or issue mentions")
			break
		}
	}
	return strings.Join(checks, " | "), nil
}

// FormatDocumentTool formats content in a given style
type FormatDocumentTool struct{}

// NewFormatDocumentTool creates a new document formatting tool
func NewFormatDocumentTool() *FormatDocumentTool {
	return &FormatDocumentTool{}
}

func (t *FormatDocumentTool) Name() string { return "format_document" }

func (t *FormatDocumentTool) Description() string {
	return "Formats a document in the requested style."
}

func (t *FormatDocumentTool) Parameters() []tools.ArgSpec {
	return []tools.ArgSpec{
		{Name: "content", Type: tools.ArgString, Description: "Document body", Required: true},
		{Name: "style", Type: tools.ArgString, Description: "Output style", Default: "markdown", Enum: []string{"markdown", "plain"}},
	}
}

// Execute prefixes a title to markdown documents that lack a heading
func (t *FormatDocumentTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	content := args["content"].(string)
	if args["style"] == "markdown" && !strings.HasPrefix(content, "#") {
		return "# Document\n\n" + content, nil
	}
	return content, nil
}
