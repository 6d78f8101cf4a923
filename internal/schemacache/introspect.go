package schemacache

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"github.com/pgguard/pgguard/internal/model"
)

// ---- metadata row types ----

type tableRow struct {
	SchemaName string  `db:"table_schema"`
	TableName  string  `db:"table_name"`
	Comment    *string `db:"comment"`
}

type columnRow struct {
	TableName  string `db:"table_name"`
	ColumnName string `db:"column_name"`
	DataType   string `db:"udt_name"`
	IsNullable string `db:"is_nullable"`
	Position   int    `db:"ordinal_position"`
}

type constraintRow struct {
	TableName  string `db:"table_name"`
	ColumnName string `db:"column_name"`
}

type fkRow struct {
	TableName        string `db:"table_name"`
	ColumnName       string `db:"column_name"`
	ReferencedTable  string `db:"referenced_table"`
	ReferencedColumn string `db:"referenced_column"`
}

type indexRow struct {
	TableName string `db:"tablename"`
	IndexName string `db:"indexname"`
	IndexDef  string `db:"indexdef"`
}

type enumRow struct {
	SchemaName string `db:"schema_name"`
	TypeName   string `db:"type_name"`
	Label      string `db:"label"`
}

// ---- metadata queries ----

const tablesQuery = `SELECT t.table_schema, t.table_name,
		obj_description(format('%I.%I', t.table_schema, t.table_name)::regclass, 'pg_class') AS comment
	FROM information_schema.tables t
	WHERE t.table_schema = $1 AND t.table_type = 'BASE TABLE'
	ORDER BY t.table_name`

const viewsQuery = `SELECT t.table_schema, t.table_name, NULL::text AS comment
	FROM information_schema.tables t
	WHERE t.table_schema = $1 AND t.table_type = 'VIEW'
	ORDER BY t.table_name`

const columnsQuery = `SELECT c.table_name, c.column_name, c.udt_name,
		c.is_nullable, c.ordinal_position
	FROM information_schema.columns c
	WHERE c.table_schema = $1
	ORDER BY c.table_name, c.ordinal_position`

const primaryKeysQuery = `SELECT kcu.table_name, kcu.column_name
	FROM information_schema.table_constraints tc
	JOIN information_schema.key_column_usage kcu
		ON tc.constraint_name = kcu.constraint_name
		AND tc.table_schema = kcu.table_schema
	WHERE tc.constraint_type = 'PRIMARY KEY'
		AND tc.table_schema = $1`

const uniqueConstraintsQuery = `SELECT kcu.table_name, kcu.column_name
	FROM information_schema.table_constraints tc
	JOIN information_schema.key_column_usage kcu
		ON tc.constraint_name = kcu.constraint_name
		AND tc.table_schema = kcu.table_schema
	WHERE tc.constraint_type = 'UNIQUE'
		AND tc.table_schema = $1`

const foreignKeysQuery = `SELECT
		tc.table_name,
		kcu.column_name,
		ccu.table_name AS referenced_table,
		ccu.column_name AS referenced_column
	FROM information_schema.table_constraints tc
	JOIN information_schema.key_column_usage kcu
		ON tc.constraint_name = kcu.constraint_name
		AND tc.table_schema = kcu.table_schema
	JOIN information_schema.constraint_column_usage ccu
		ON tc.constraint_name = ccu.constraint_name
	WHERE tc.constraint_type = 'FOREIGN KEY'
		AND tc.table_schema = $1`

const indexesQuery = `SELECT tablename, indexname, indexdef
	FROM pg_indexes
	WHERE schemaname = $1
	ORDER BY tablename, indexname`

const enumsQuery = `SELECT n.nspname AS schema_name, t.typname AS type_name, e.enumlabel AS label
	FROM pg_type t
	JOIN pg_enum e ON e.enumtypid = t.oid
	JOIN pg_namespace n ON n.oid = t.typnamespace
	WHERE n.nspname = $1
	ORDER BY t.typname, e.enumsortorder`

// introspect builds a full snapshot of one database schema. The eight
// metadata queries run concurrently; the results are joined in memory by
// table name.
func introspect(ctx context.Context, db *sqlx.DB, database, schemaName string) (*model.DatabaseSchema, error) {
	var (
		tables  []tableRow
		views   []tableRow
		columns []columnRow
		pks     []constraintRow
		uniques []constraintRow
		fks     []fkRow
		indexes []indexRow
		enums   []enumRow
	)

	g, gctx := errgroup.WithContext(ctx)
	fetch := func(dest interface{}, query string) func() error {
		return func() error {
			return db.SelectContext(gctx, dest, query, schemaName)
		}
	}
	g.Go(fetch(&tables, tablesQuery))
	g.Go(fetch(&views, viewsQuery))
	g.Go(fetch(&columns, columnsQuery))
	g.Go(fetch(&pks, primaryKeysQuery))
	g.Go(fetch(&uniques, uniqueConstraintsQuery))
	g.Go(fetch(&fks, foreignKeysQuery))
	g.Go(fetch(&indexes, indexesQuery))
	g.Go(fetch(&enums, enumsQuery))
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("introspect %s: %w", database, err)
	}

	pkSet := make(map[string]map[string]bool)
	for _, pk := range pks {
		if pkSet[pk.TableName] == nil {
			pkSet[pk.TableName] = make(map[string]bool)
		}
		pkSet[pk.TableName][pk.ColumnName] = true
	}
	uniqueSet := make(map[string]map[string]bool)
	for _, u := range uniques {
		if uniqueSet[u.TableName] == nil {
			uniqueSet[u.TableName] = make(map[string]bool)
		}
		uniqueSet[u.TableName][u.ColumnName] = true
	}
	fkMap := make(map[string]map[string]fkRow)
	for _, fk := range fks {
		if fkMap[fk.TableName] == nil {
			fkMap[fk.TableName] = make(map[string]fkRow)
		}
		fkMap[fk.TableName][fk.ColumnName] = fk
	}

	colMap := make(map[string][]model.ColumnInfo)
	for _, col := range columns {
		info := model.ColumnInfo{
			Name:         col.ColumnName,
			DataType:     col.DataType,
			Nullable:     col.IsNullable == "YES",
			IsPrimaryKey: pkSet[col.TableName][col.ColumnName],
			IsUnique:     uniqueSet[col.TableName][col.ColumnName],
		}
		if fk, ok := fkMap[col.TableName][col.ColumnName]; ok {
			info.FKTable = fk.ReferencedTable
			info.FKColumn = fk.ReferencedColumn
		}
		colMap[col.TableName] = append(colMap[col.TableName], info)
	}

	idxMap := make(map[string][]model.IndexInfo)
	for _, idx := range indexes {
		idxMap[idx.TableName] = append(idxMap[idx.TableName], parseIndexDef(idx))
	}

	buildTables := func(rows []tableRow) []model.TableInfo {
		out := make([]model.TableInfo, 0, len(rows))
		for _, t := range rows {
			info := model.TableInfo{
				Name:    t.TableName,
				Schema:  t.SchemaName,
				Columns: colMap[t.TableName],
				Indexes: idxMap[t.TableName],
			}
			if t.Comment != nil {
				info.Comment = *t.Comment
			}
			out = append(out, info)
		}
		return out
	}

	enumMap := make(map[string]*model.EnumType)
	var enumOrder []string
	for _, e := range enums {
		key := e.SchemaName + "." + e.TypeName
		et := enumMap[key]
		if et == nil {
			et = &model.EnumType{Name: e.TypeName, Schema: e.SchemaName}
			enumMap[key] = et
			enumOrder = append(enumOrder, key)
		}
		et.Labels = append(et.Labels, e.Label)
	}
	enumTypes := make([]model.EnumType, 0, len(enumOrder))
	for _, key := range enumOrder {
		enumTypes = append(enumTypes, *enumMap[key])
	}

	return &model.DatabaseSchema{
		Database:  database,
		Tables:    buildTables(tables),
		Views:     buildTables(views),
		EnumTypes: enumTypes,
	}, nil
}

// indexColumnsPattern captures the parenthesized column list of an index
// definition as pg_indexes renders it.
var indexColumnsPattern = regexp.MustCompile(`\(([^)]+)\)`)

// indexTypePattern captures the access method from the USING clause.
var indexTypePattern = regexp.MustCompile(`(?i)\bUSING\s+(btree|hash|gin|gist|brin|spgist)\b`)

// parseIndexDef extracts the structure of an index from its textual
// definition. pg_indexes only exposes the rendered CREATE INDEX statement,
// so this is a best-effort textual parse.
func parseIndexDef(row indexRow) model.IndexInfo {
	info := model.IndexInfo{
		Name:      row.IndexName,
		IndexType: "btree",
		IsUnique:  strings.Contains(row.IndexDef, "CREATE UNIQUE INDEX"),
		IsPrimary: strings.HasSuffix(row.IndexName, "_pkey"),
	}

	if m := indexTypePattern.FindStringSubmatch(row.IndexDef); m != nil {
		info.IndexType = strings.ToLower(m[1])
	}
	if m := indexColumnsPattern.FindStringSubmatch(row.IndexDef); m != nil {
		for _, col := range strings.Split(m[1], ",") {
			col = strings.TrimSpace(col)
			// Expression indexes render as e.g. lower(email); keep the
			// expression text rather than dropping the entry.
			col = strings.Trim(col, `"`)
			if col != "" {
				info.Columns = append(info.Columns, col)
			}
		}
	}
	return info
}
