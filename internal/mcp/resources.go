package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/pgguard/pgguard/internal/model"
)

// registerResources adds MCP resource definitions to the server. Resources
// provide read-only data that LLM clients can load into their context.
func (s *MCPServer) registerResources(srv *server.MCPServer) {

	// -------------------------------------------------------------------
	// pgguard://databases — list of configured databases
	// -------------------------------------------------------------------
	srv.AddResource(
		mcp.NewResource(
			"pgguard://databases",
			"Configured Databases",
			mcp.WithResourceDescription(
				"List of all databases reachable through the gateway, "+
					"with the schema each one exposes.",
			),
			mcp.WithMIMEType("application/json"),
		),
		s.handleDatabasesResource,
	)

	// -------------------------------------------------------------------
	// pgguard://schema/{database} — policy-visible schema (template)
	// -------------------------------------------------------------------
	srv.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"pgguard://schema/{database}",
			"Database Schema",
			mcp.WithTemplateDescription(
				"The schema of one database as visible under its access policy: "+
					"tables, columns, keys, and indexes, with denied resources omitted.",
			),
			mcp.WithTemplateMIMEType("application/json"),
		),
		s.handleSchemaResource,
	)
}

// handleDatabasesResource returns a JSON list of all configured databases.
func (s *MCPServer) handleDatabasesResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	names := s.exec.Databases()
	sort.Strings(names)

	type databaseInfo struct {
		Name   string `json:"name"`
		Schema string `json:"schema"`
	}

	items := make([]databaseInfo, 0, len(names))
	for _, name := range names {
		t := s.exec.Target(name)
		items = append(items, databaseInfo{Name: name, Schema: t.SchemaName})
	}

	b, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal databases: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "pgguard://databases",
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}

// handleSchemaResource returns the policy-visible schema for one database.
func (s *MCPServer) handleSchemaResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	// Extract the database name from "pgguard://schema/{database}".
	uri := request.Params.URI
	database := strings.TrimPrefix(uri, "pgguard://schema/")
	if database == "" || database == uri {
		return nil, fmt.Errorf("invalid schema URI %q: expected pgguard://schema/{database}", uri)
	}

	target := s.exec.Target(database)
	if target == nil {
		return nil, fmt.Errorf("database %q not found (available: %s)", database, s.databaseNames())
	}

	snap, err := s.exec.Schema(ctx, database)
	if err != nil {
		return nil, fmt.Errorf("schema introspection failed for %q: %w", database, err)
	}

	type tableDetail struct {
		Name    string             `json:"name"`
		Comment string             `json:"comment,omitempty"`
		Columns []model.ColumnInfo `json:"columns"`
		Indexes []model.IndexInfo  `json:"indexes,omitempty"`
	}

	reduce := func(tables []model.TableInfo) []tableDetail {
		out := make([]tableDetail, 0, len(tables))
		for i := range tables {
			t := &tables[i]
			if res := target.Policy.ValidateTables([]string{t.Name}); !res.Passed {
				continue
			}
			out = append(out, tableDetail{
				Name:    t.Name,
				Comment: t.Comment,
				Columns: visibleColumns(target, snap, t),
				Indexes: t.Indexes,
			})
		}
		return out
	}

	view := map[string]interface{}{
		"database":   database,
		"schema":     target.SchemaName,
		"cached_at":  snap.CachedAt,
		"tables":     reduce(snap.Tables),
		"views":      reduce(snap.Views),
		"enum_types": snap.EnumTypes,
	}

	b, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}
