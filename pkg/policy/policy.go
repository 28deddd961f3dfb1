// Package policy groups related tools so that one consent step can cover
// logical siblings (e.g. read/write pairs). Grouping is configured data
// consulted through a lookup, not hard-coded logic: custom groups loaded
// from configuration override or extend the defaults.
package policy

import (
	"fmt"
	"sort"
	"strings"
)

// Risk levels, ordered. Used to annotate consent requests so the
// Authorization Server can render proportionate warnings.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

var riskRank = map[string]int{RiskLow: 1, RiskMedium: 2, RiskHigh: 3}

// Group is a named set of related tools sharing one consent decision.
type Group struct {
	Name        string   `yaml:"name" json:"name"`
	Tools       []string `yaml:"tools" json:"tools"`
	Description string   `yaml:"description" json:"description"`
	RiskLevel   string   `yaml:"risk_level" json:"riskLevel"`
}

// DefaultGroups covers common tool naming patterns. Deployments replace
// or extend these via configuration.
func DefaultGroups() []Group {
	return []Group{
		{
			Name:        "file-read",
			Tools:       []string{"ReadFile", "ListFiles", "GetFileInfo", "SearchFiles", "read_file", "list_files"},
			Description: "Read access to files and directories",
			RiskLevel:   RiskLow,
		},
		{
			Name:        "file-write",
			Tools:       []string{"CreateFile", "UpdateFile", "WriteFile", "write_file", "create_file", "edit_file"},
			Description: "Write access to create and modify files",
			RiskLevel:   RiskMedium,
		},
		{
			Name:        "file-delete",
			Tools:       []string{"DeleteFile", "RemoveFile", "delete_file", "remove_file"},
			Description: "Delete access to remove files",
			RiskLevel:   RiskHigh,
		},
		{
			Name:        "database-read",
			Tools:       []string{"QueryDatabase", "ListTables", "GetTableInfo", "query_db", "list_tables"},
			Description: "Read access to database resources",
			RiskLevel:   RiskMedium,
		},
		{
			Name:        "database-write",
			Tools:       []string{"InsertRecord", "UpdateRecord", "ExecuteSQL", "insert_record", "update_record", "execute_sql"},
			Description: "Write access to database resources",
			RiskLevel:   RiskHigh,
		},
		{
			Name:        "api-access",
			Tools:       []string{"HttpRequest", "ApiCall", "WebhookTrigger", "http_request", "api_call"},
			Description: "Make HTTP requests to external APIs",
			RiskLevel:   RiskMedium,
		},
		{
			Name:        "system-admin",
			Tools:       []string{"ConfigureSystem", "ManageUsers", "ModifySettings", "configure_system", "manage_users"},
			Description: "System administration capabilities",
			RiskLevel:   RiskHigh,
		},
		{
			Name:        "data-export",
			Tools:       []string{"ExportData", "GenerateReport", "DownloadFile", "export_data", "generate_report"},
			Description: "Export and download data",
			RiskLevel:   RiskMedium,
		},
		{
			Name:        "code-execution",
			Tools:       []string{"ExecuteCode", "RunScript", "CompileCode", "execute_code", "run_script", "compile_code"},
			Description: "Execute code or scripts",
			RiskLevel:   RiskHigh,
		},
	}
}

// Lookup answers related-tool queries for the consent orchestrator.
type Lookup struct {
	groups      map[string]Group
	toolToGroup map[string]string
}

// NewLookup builds a Lookup from the given groups. Later groups win on
// tool-name collisions, so custom groups appended after DefaultGroups()
// override them.
func NewLookup(groups []Group) *Lookup {
	l := &Lookup{
		groups:      make(map[string]Group),
		toolToGroup: make(map[string]string),
	}
	for _, g := range groups {
		l.groups[g.Name] = g
		for _, tool := range g.Tools {
			l.toolToGroup[tool] = g.Name
		}
	}
	return l
}

// RelatedTools returns all tools in the same group as toolName, or just
// [toolName] when the tool is ungrouped.
func (l *Lookup) RelatedTools(toolName string) []string {
	groupName, ok := l.toolToGroup[toolName]
	if !ok {
		return []string{toolName}
	}
	return l.groups[groupName].Tools
}

// GroupFor returns the group containing toolName, if any.
func (l *Lookup) GroupFor(toolName string) (Group, bool) {
	groupName, ok := l.toolToGroup[toolName]
	if !ok {
		return Group{}, false
	}
	return l.groups[groupName], true
}

// RiskLevel returns the highest risk level among the named tools.
// Ungrouped tools count as low.
func (l *Lookup) RiskLevel(toolNames []string) string {
	max := RiskLow
	for _, tool := range toolNames {
		group, ok := l.GroupFor(tool)
		if !ok {
			continue
		}
		if riskRank[group.RiskLevel] > riskRank[max] {
			max = group.RiskLevel
		}
	}
	return max
}

// Groups returns all configured groups sorted by name.
func (l *Lookup) Groups() []Group {
	out := make([]Group, 0, len(l.groups))
	for _, g := range l.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AuthorizationDetail is the tool-kind permission record shipped inside
// a PAR descriptor. Tools are encoded in map form with essential markers,
// matching what the Authorization Server's consent screen renders.
type AuthorizationDetail struct {
	Type        string                     `json:"type"`
	Server      string                     `json:"server,omitempty"`
	Transport   string                     `json:"transport"`
	Tools       map[string]ToolRequirement `json:"tools"`
	RiskLevel   string                     `json:"riskLevel"`
	Category    string                     `json:"category"`
	Description string                     `json:"description"`
}

// ToolRequirement marks how strongly a tool is needed in a consent
// request.
type ToolRequirement struct {
	Essential bool `json:"essential"`
}

// BuildAuthorizationDetail describes tool-kind access to the named tools
// against the downstream server's identity.
func (l *Lookup) BuildAuthorizationDetail(toolNames []string, serverURL, transport string) AuthorizationDetail {
	if transport == "" {
		transport = "sse"
	}

	tools := make(map[string]ToolRequirement, len(toolNames))
	for _, name := range toolNames {
		tools[name] = ToolRequirement{Essential: true}
	}

	return AuthorizationDetail{
		Type:        "mcp",
		Server:      serverURL,
		Transport:   transport,
		Tools:       tools,
		RiskLevel:   l.RiskLevel(toolNames),
		Category:    "mcp-integration",
		Description: describeTools(toolNames),
	}
}

func describeTools(toolNames []string) string {
	preview := toolNames
	suffix := ""
	if len(preview) > 3 {
		preview = preview[:3]
		suffix = "..."
	}
	return fmt.Sprintf("Access to %d MCP tool(s): %s%s",
		len(toolNames), strings.Join(preview, ", "), suffix)
}
