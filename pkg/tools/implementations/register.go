package implementations

import (
	"github.com/syntor/taskmesh/pkg/tools"
)

// RegisterAll registers all built-in tools with the registry
func RegisterAll(registry *tools.Registry) error {
	toolList := []tools.Tool{
		NewWebSearchTool(),
		NewSearchDatabaseTool(),
		NewCodeExecutorTool(),
		NewValidateTool(),
		NewFormatDocumentTool(),
	}

	for _, tool := range toolList {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}

	return nil
}

// DefaultToolNames returns the names of all default tools
func DefaultToolNames() []string {
	return []string{
		"web_search",
		"search_database",
		"code_executor",
		"validate",
		"format_document",
	}
}

// RoleTools maps the default team roles to the tools they are assigned
func RoleTools() map[string][]string {
	return map[string][]string{
		"researcher": {"web_search", "search_database"},
		"coder":      {"code_executor"},
		"reviewer":   {"validate"},
		"writer":     {"format_document"},
	}
}
