package drift

import (
	"fmt"
	"time"

	"github.com/pgguard/pgguard/internal/model"
)

// DiffTables compares two versions of one table and returns the per-column
// differences.
func DiffTables(old, live *model.TableInfo) []Item {
	var items []Item

	liveByName := make(map[string]model.ColumnInfo, len(live.Columns))
	for _, col := range live.Columns {
		liveByName[col.Name] = col
	}
	oldByName := make(map[string]model.ColumnInfo, len(old.Columns))
	for _, col := range old.Columns {
		oldByName[col.Name] = col
	}

	// Removed or modified columns are breaking.
	for _, oldCol := range old.Columns {
		liveCol, exists := liveByName[oldCol.Name]
		if !exists {
			items = append(items, Item{
				Type:        Breaking,
				Category:    "column_removed",
				Table:       old.Name,
				Column:      oldCol.Name,
				OldValue:    oldCol.DataType,
				Description: fmt.Sprintf("column %q was removed from table %q", oldCol.Name, old.Name),
			})
			continue
		}

		if oldCol.DataType != liveCol.DataType {
			items = append(items, Item{
				Type:        Breaking,
				Category:    "type_changed",
				Table:       old.Name,
				Column:      oldCol.Name,
				OldValue:    oldCol.DataType,
				NewValue:    liveCol.DataType,
				Description: fmt.Sprintf("column %q type changed from %q to %q", oldCol.Name, oldCol.DataType, liveCol.DataType),
			})
		}

		// Tightening nullability breaks queries that relied on NULLs;
		// loosening it is additive.
		if oldCol.Nullable && !liveCol.Nullable {
			items = append(items, Item{
				Type:        Breaking,
				Category:    "nullable_changed",
				Table:       old.Name,
				Column:      oldCol.Name,
				OldValue:    "nullable",
				NewValue:    "not null",
				Description: fmt.Sprintf("column %q changed from nullable to NOT NULL", oldCol.Name),
			})
		} else if !oldCol.Nullable && liveCol.Nullable {
			items = append(items, Item{
				Type:        Additive,
				Category:    "nullable_changed",
				Table:       old.Name,
				Column:      oldCol.Name,
				OldValue:    "not null",
				NewValue:    "nullable",
				Description: fmt.Sprintf("column %q changed from NOT NULL to nullable", oldCol.Name),
			})
		}
	}

	// Added columns are additive.
	for _, liveCol := range live.Columns {
		if _, exists := oldByName[liveCol.Name]; !exists {
			items = append(items, Item{
				Type:        Additive,
				Category:    "column_added",
				Table:       old.Name,
				Column:      liveCol.Name,
				NewValue:    liveCol.DataType,
				Description: fmt.Sprintf("column %q was added to table %q", liveCol.Name, old.Name),
			})
		}
	}

	return items
}

// DiffSchemas compares a previously cached snapshot against a freshly
// introspected one. Views are compared the same way as tables.
func DiffSchemas(database string, old, live *model.DatabaseSchema) Report {
	report := Report{
		Database:  database,
		CheckedAt: time.Now().UTC(),
	}
	if old == nil {
		// Nothing to compare against; first introspection is never drift.
		return report
	}
	report.PreviousAt = old.CachedAt

	liveByName := make(map[string]*model.TableInfo)
	for i := range live.Tables {
		liveByName[live.Tables[i].Name] = &live.Tables[i]
	}
	for i := range live.Views {
		liveByName[live.Views[i].Name] = &live.Views[i]
	}

	oldByName := make(map[string]*model.TableInfo)
	oldOrdered := make([]*model.TableInfo, 0, len(old.Tables)+len(old.Views))
	for i := range old.Tables {
		oldByName[old.Tables[i].Name] = &old.Tables[i]
		oldOrdered = append(oldOrdered, &old.Tables[i])
	}
	for i := range old.Views {
		oldByName[old.Views[i].Name] = &old.Views[i]
		oldOrdered = append(oldOrdered, &old.Views[i])
	}

	for _, oldTable := range oldOrdered {
		liveTable, exists := liveByName[oldTable.Name]
		if !exists {
			report.Items = append(report.Items, Item{
				Type:        Breaking,
				Category:    "table_removed",
				Table:       oldTable.Name,
				Description: fmt.Sprintf("table %q was removed from the database", oldTable.Name),
			})
			continue
		}
		report.Items = append(report.Items, DiffTables(oldTable, liveTable)...)
	}

	for _, tables := range [][]model.TableInfo{live.Tables, live.Views} {
		for i := range tables {
			if _, exists := oldByName[tables[i].Name]; !exists {
				report.Items = append(report.Items, Item{
					Type:        Additive,
					Category:    "table_added",
					Table:       tables[i].Name,
					Description: fmt.Sprintf("table %q was added to the database", tables[i].Name),
				})
			}
		}
	}

	for _, item := range report.Items {
		switch item.Type {
		case Additive:
			report.AdditiveCount++
		case Breaking:
			report.BreakingCount++
		}
	}
	report.HasDrift = len(report.Items) > 0
	report.HasBreaking = report.BreakingCount > 0

	return report
}
