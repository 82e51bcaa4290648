package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/loomos/loomos/internal/tools"
)

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// Filters controls which of a server's tools are bridged into the
// agent's registry. Patterns use doublestar glob syntax against the
// protocol-side tool name:
//   - If Include is non-empty, only tools matching one of its patterns
//     are bridged.
//   - Tools matching an Exclude pattern are skipped.
//   - Empty filters bridge everything.
type Filters struct {
	Include []string
	Exclude []string
}

// Allow reports whether a tool name passes the filters. A pattern that
// fails to parse is treated as a literal name.
func (f Filters) Allow(name string) bool {
	if len(f.Include) > 0 {
		included := false
		for _, p := range f.Include {
			if matchPattern(p, name) {
				included = true
				break
			}
		}
		if !included {
			return false
		}
	}

	for _, p := range f.Exclude {
		if matchPattern(p, name) {
			return false
		}
	}
	return true
}

func matchPattern(pattern, name string) bool {
	ok, err := doublestar.Match(pattern, name)
	if err != nil {
		return pattern == name
	}
	return ok
}

// ToolName generates a namespaced agent tool name from a server id and
// an MCP tool name: "<serverID>_<toolName>". Both components are
// sanitized to contain only lowercase alphanumerics and underscores.
func ToolName(serverID, mcpToolName string) string {
	return sanitize(serverID) + "_" + sanitize(mcpToolName)
}

// StripServerPrefix removes a server's namespace prefix from an agent
// tool name. The second return is false when the name does not belong
// to that server.
func StripServerPrefix(name, serverID string) (string, bool) {
	prefix := sanitize(serverID) + "_"
	if !strings.HasPrefix(name, prefix) {
		return "", false
	}
	return strings.TrimPrefix(name, prefix), true
}

// AdaptTool converts a protocol ToolDefinition into the agent's tool
// shape: namespaced name, same description, normalized parameter
// schema, and a handler that proxies calls back through the client.
func AdaptTool(h Handle, td ToolDefinition) *tools.Tool {
	// Capture the protocol-side name for the call.
	mcpName := td.Name

	return &tools.Tool{
		Name:        ToolName(h.ID(), td.Name),
		Description: td.Description,
		Parameters:  NormalizeSchema(td.InputSchema),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			result, err := h.CallTool(ctx, mcpName, args)
			if err != nil {
				return "", err
			}
			text := FlattenContent(result.Content)
			if result.IsError {
				return "", fmt.Errorf("tool %s returned error: %s", mcpName, text)
			}
			return text, nil
		},
	}
}

// NormalizeSchema fills in the JSON-schema skeleton tool parameters
// are expected to have. Servers occasionally omit the object wrapper
// or the properties map; the agent side always sees both.
func NormalizeSchema(schema map[string]any) map[string]any {
	out := make(map[string]any, len(schema)+2)
	for k, v := range schema {
		out[k] = v
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	if _, ok := out["properties"]; !ok {
		out["properties"] = map[string]any{}
	}
	return out
}

// FlattenContent joins all text content blocks into a single string.
// Non-text blocks are represented as inline markers.
func FlattenContent(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			if b.MimeType != "" {
				parts = append(parts, fmt.Sprintf("[image %s]", b.MimeType))
			} else {
				parts = append(parts, "[image]")
			}
		case "resource":
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}

// BridgeTools registers a client's cached tools on the agent registry,
// subject to filters, and returns the number registered. The caller is
// responsible for clearing the server's previous tools first when
// rebuilding after a tool-list change.
func BridgeTools(h Handle, registry *tools.Registry, filters Filters, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.Default()
	}

	count := 0
	for _, td := range h.Tools() {
		if !filters.Allow(td.Name) {
			continue
		}

		adapted := AdaptTool(h, td)
		registry.Register(adapted)
		count++

		logger.Debug("bridged MCP tool",
			"mcp_name", td.Name,
			"agent_name", adapted.Name,
			"server", h.ID(),
		)
	}
	return count
}

// sanitize converts a name to lowercase and replaces non-alphanumeric
// characters (except underscore) with underscores. Consecutive
// underscores are collapsed and leading/trailing underscores are trimmed.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, "-", "_")
	s = sanitizeRe.ReplaceAllString(s, "_")

	// Collapse consecutive underscores.
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}

	return strings.Trim(s, "_")
}
