package model

import (
	"strings"
	"time"
)

// DatabaseSchema is a point-in-time snapshot of one database's metadata.
// CachedAt == nil means the database has never been introspected; a non-nil
// CachedAt with empty lists means the snapshot is real and the database is
// legitimately empty. The two states are distinct and must stay that way.
type DatabaseSchema struct {
	Database  string      `json:"database"`
	Tables    []TableInfo `json:"tables"`
	Views     []TableInfo `json:"views"`
	EnumTypes []EnumType  `json:"enum_types"`
	CachedAt  *time.Time  `json:"cached_at"`
}

// TableInfo describes the structure of a single table or view.
type TableInfo struct {
	Name    string       `json:"name"`
	Schema  string       `json:"schema"`
	Columns []ColumnInfo `json:"columns"`
	Indexes []IndexInfo  `json:"indexes"`
	Comment string       `json:"comment,omitempty"`
}

// ColumnNames returns the column names of the table, in definition order.
func (t *TableInfo) ColumnNames() []string {
	names := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		names = append(names, c.Name)
	}
	return names
}

// ColumnInfo describes a single column within a table or view.
type ColumnInfo struct {
	Name         string `json:"name"`
	DataType     string `json:"data_type"`
	Nullable     bool   `json:"nullable"`
	IsPrimaryKey bool   `json:"is_primary_key"`
	IsUnique     bool   `json:"is_unique"`
	FKTable      string `json:"fk_table,omitempty"`
	FKColumn     string `json:"fk_column,omitempty"`
}

// IndexInfo describes a database index on one or more columns.
type IndexInfo struct {
	Name      string   `json:"name"`
	Columns   []string `json:"columns"`
	IndexType string   `json:"index_type"` // btree, hash, gin, gist, brin
	IsUnique  bool     `json:"is_unique"`
	IsPrimary bool     `json:"is_primary"`
}

// EnumType describes a user-defined enum type and its labels.
type EnumType struct {
	Name   string   `json:"name"`
	Schema string   `json:"schema"`
	Labels []string `json:"labels"`
}

// FindTable returns the table or view with the given name (case-insensitive),
// or nil if the snapshot does not contain it.
func (s *DatabaseSchema) FindTable(name string) *TableInfo {
	for i := range s.Tables {
		if strings.EqualFold(s.Tables[i].Name, name) {
			return &s.Tables[i]
		}
	}
	for i := range s.Views {
		if strings.EqualFold(s.Views[i].Name, name) {
			return &s.Views[i]
		}
	}
	return nil
}
