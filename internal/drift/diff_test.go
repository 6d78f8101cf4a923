package drift

import (
	"testing"
	"time"

	"github.com/pgguard/pgguard/internal/model"
)

func usersTable(cols ...model.ColumnInfo) model.TableInfo {
	return model.TableInfo{Name: "users", Schema: "public", Columns: cols}
}

func TestDiffTablesNoDrift(t *testing.T) {
	old := usersTable(
		model.ColumnInfo{Name: "id", DataType: "integer"},
		model.ColumnInfo{Name: "email", DataType: "text", Nullable: true},
	)
	live := usersTable(
		model.ColumnInfo{Name: "id", DataType: "integer"},
		model.ColumnInfo{Name: "email", DataType: "text", Nullable: true},
	)

	items := DiffTables(&old, &live)
	if len(items) != 0 {
		t.Errorf("expected no drift, got %+v", items)
	}
}

func TestDiffTablesColumnRemoved(t *testing.T) {
	old := usersTable(
		model.ColumnInfo{Name: "id", DataType: "integer"},
		model.ColumnInfo{Name: "email", DataType: "text"},
	)
	live := usersTable(
		model.ColumnInfo{Name: "id", DataType: "integer"},
	)

	items := DiffTables(&old, &live)
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d: %+v", len(items), items)
	}
	if items[0].Type != Breaking || items[0].Category != "column_removed" {
		t.Errorf("item = %+v, want breaking column_removed", items[0])
	}
	if items[0].Column != "email" {
		t.Errorf("column = %q, want email", items[0].Column)
	}
}

func TestDiffTablesColumnAdded(t *testing.T) {
	old := usersTable(
		model.ColumnInfo{Name: "id", DataType: "integer"},
	)
	live := usersTable(
		model.ColumnInfo{Name: "id", DataType: "integer"},
		model.ColumnInfo{Name: "created_at", DataType: "timestamptz"},
	)

	items := DiffTables(&old, &live)
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d: %+v", len(items), items)
	}
	if items[0].Type != Additive || items[0].Category != "column_added" {
		t.Errorf("item = %+v, want additive column_added", items[0])
	}
}

func TestDiffTablesTypeChanged(t *testing.T) {
	old := usersTable(model.ColumnInfo{Name: "id", DataType: "integer"})
	live := usersTable(model.ColumnInfo{Name: "id", DataType: "bigint"})

	items := DiffTables(&old, &live)
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d: %+v", len(items), items)
	}
	if items[0].Type != Breaking || items[0].Category != "type_changed" {
		t.Errorf("item = %+v, want breaking type_changed", items[0])
	}
	if items[0].OldValue != "integer" || items[0].NewValue != "bigint" {
		t.Errorf("values = %q -> %q, want integer -> bigint", items[0].OldValue, items[0].NewValue)
	}
}

func TestDiffTablesNullability(t *testing.T) {
	tests := []struct {
		name     string
		oldNull  bool
		liveNull bool
		want     Type
	}{
		{"tightened to not null", true, false, Breaking},
		{"loosened to nullable", false, true, Additive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			old := usersTable(model.ColumnInfo{Name: "email", DataType: "text", Nullable: tt.oldNull})
			live := usersTable(model.ColumnInfo{Name: "email", DataType: "text", Nullable: tt.liveNull})

			items := DiffTables(&old, &live)
			if len(items) != 1 {
				t.Fatalf("expected 1 item, got %d: %+v", len(items), items)
			}
			if items[0].Type != tt.want || items[0].Category != "nullable_changed" {
				t.Errorf("item = %+v, want %s nullable_changed", items[0], tt.want)
			}
		})
	}
}

func TestDiffSchemasTableRemovedAndAdded(t *testing.T) {
	cachedAt := time.Now().Add(-time.Hour)
	old := &model.DatabaseSchema{
		Database: "appdb",
		Tables: []model.TableInfo{
			usersTable(model.ColumnInfo{Name: "id", DataType: "integer"}),
			{Name: "orders", Columns: []model.ColumnInfo{{Name: "id", DataType: "integer"}}},
		},
		CachedAt: &cachedAt,
	}
	live := &model.DatabaseSchema{
		Database: "appdb",
		Tables: []model.TableInfo{
			usersTable(model.ColumnInfo{Name: "id", DataType: "integer"}),
			{Name: "invoices", Columns: []model.ColumnInfo{{Name: "id", DataType: "integer"}}},
		},
	}

	report := DiffSchemas("appdb", old, live)
	if !report.HasDrift || !report.HasBreaking {
		t.Fatalf("expected breaking drift, got %+v", report)
	}
	if report.BreakingCount != 1 || report.AdditiveCount != 1 {
		t.Errorf("counts = %d breaking / %d additive, want 1 / 1",
			report.BreakingCount, report.AdditiveCount)
	}
	if report.PreviousAt == nil || !report.PreviousAt.Equal(cachedAt) {
		t.Errorf("previous_cached_at = %v, want %v", report.PreviousAt, cachedAt)
	}

	categories := make(map[string]string)
	for _, item := range report.Items {
		categories[item.Category] = item.Table
	}
	if categories["table_removed"] != "orders" {
		t.Errorf("table_removed = %q, want orders", categories["table_removed"])
	}
	if categories["table_added"] != "invoices" {
		t.Errorf("table_added = %q, want invoices", categories["table_added"])
	}
}

func TestDiffSchemasViewsCompared(t *testing.T) {
	old := &model.DatabaseSchema{
		Views: []model.TableInfo{{
			Name:    "active_users",
			Columns: []model.ColumnInfo{{Name: "id", DataType: "integer"}},
		}},
	}
	live := &model.DatabaseSchema{
		Views: []model.TableInfo{{
			Name: "active_users",
			Columns: []model.ColumnInfo{
				{Name: "id", DataType: "integer"},
				{Name: "email", DataType: "text"},
			},
		}},
	}

	report := DiffSchemas("appdb", old, live)
	if report.AdditiveCount != 1 || report.BreakingCount != 0 {
		t.Errorf("counts = %d additive / %d breaking, want 1 / 0",
			report.AdditiveCount, report.BreakingCount)
	}
}

func TestDiffSchemasNilPrevious(t *testing.T) {
	live := &model.DatabaseSchema{
		Tables: []model.TableInfo{usersTable(model.ColumnInfo{Name: "id", DataType: "integer"})},
	}

	report := DiffSchemas("appdb", nil, live)
	if report.HasDrift {
		t.Errorf("first introspection should not report drift: %+v", report)
	}
}
