package implementations

import (
	"context"
	"fmt"
	"strings"

	"github.com/syntor/taskmesh/pkg/tools"
)

type entry struct {
	key   string
	value string
}

var webIndex = []entry{
	{"python", "Python is a high-level programming language known for readability and versatility. Created by Guido van Rossum in 1991."},
	{"machine learning", "Machine learning is a subset of AI that enables systems to learn from data. Popular frameworks include TensorFlow, PyTorch, and scikit-learn."},
	{"web scraping", "Web scraping extracts data from websites. Common tools: BeautifulSoup, Scrapy, Selenium. Always check robots.txt and terms of service."},
	{"api", "API (Application Programming Interface) allows different software to communicate. REST and GraphQL are popular API architectures."},
	{"database", "Databases store and organize data. SQL databases (PostgreSQL, MySQL) for structured data; NoSQL (MongoDB, Redis) for flexible schemas."},
}

var internalDB = []entry{
	{"best practices python", "Python best practices: Use virtual environments, follow PEP 8, write tests, use type hints, document code."},
	{"code review checklist", "Code review checklist: 1) Correctness, 2) Tests, 3) Documentation, 4) Performance, 5) Security, 6) Style consistency."},
	{"project structure", "Standard Python project: project/src/main.py, tests/, docs/, README.md, requirements.txt, .gitignore."},
	{"error handling", "Error handling: Use try-except, catch specific exceptions, log errors, provide helpful messages, fail gracefully."},
}

// WebSearchTool answers queries from a fixed in-memory index
type WebSearchTool struct{}

// NewWebSearchTool creates a new web search tool
func NewWebSearchTool() *WebSearchTool {
	return &WebSearchTool{}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Searches the web for information about a topic."
}

func (t *WebSearchTool) Parameters() []tools.ArgSpec {
	return []tools.ArgSpec{
		{Name: "query", Type: tools.ArgString, Description: "Search query", Required: true, MaxLength: 8192},
	}
}

// Execute returns the first index entry whose key occurs in the query
func (t *WebSearchTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	query := args["query"].(string)
	lower := strings.ToLower(query)
	for _, e := range webIndex {
		if strings.Contains(lower, e.key) {
			return e.value, nil
		}
	}
	return fmt.Sprintf("Search results for '%s': Found general information. Key concepts include best practices, implementation strategies, and common use cases.", query), nil
}

// SearchDatabaseTool looks up internal documentation
type SearchDatabaseTool struct{}

// NewSearchDatabaseTool creates a new database search tool
func NewSearchDatabaseTool() *SearchDatabaseTool {
	return &SearchDatabaseTool{}
}

func (t *SearchDatabaseTool) Name() string { return "search_database" }

func (t *SearchDatabaseTool) Description() string {
	return "Searches the internal knowledge database."
}

func (t *SearchDatabaseTool) Parameters() []tools.ArgSpec {
	return []tools.ArgSpec{
		{Name: "query", Type: tools.ArgString, Description: "Search query", Required: true, MaxLength: 8192},
		{Name: "table", Type: tools.ArgString, Description: "Table to search", Default: "all"},
	}
}

// Execute returns the first entry sharing any word with the query
func (t *SearchDatabaseTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	query := args["query"].(string)
	lower := strings.ToLower(query)
	for _, e := range internalDB {
		for _, word := range strings.Fields(e.key) {
			if strings.Contains(lower, word) {
				return e.value, nil
			}
		}
	}
	return fmt.Sprintf("Database search for '%s': Found %d related entries.", query, len(internalDB)), nil
}
