package executors

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/trellishq/trellis/common/db"
	"github.com/trellishq/trellis/common/dispatch"
	"github.com/trellishq/trellis/common/models"
)

// identifierPattern restricts table and column names to plain identifiers;
// values go through placeholders, identifiers cannot
var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DatabaseWriteExecutor performs insert/update statements against the
// configured table. Writes are at-least-once: the engine never rolls them
// back on downstream failure.
type DatabaseWriteExecutor struct {
	db *db.DB
}

// NewDatabaseWriteExecutor creates a database write executor
func NewDatabaseWriteExecutor(database *db.DB) *DatabaseWriteExecutor {
	return &DatabaseWriteExecutor{db: database}
}

// RetryPolicy declares the default retry behavior for transient DB failures
func (e *DatabaseWriteExecutor) RetryPolicy() dispatch.RetryPolicy {
	return dispatch.RetryPolicy{
		MaxRetries:     2,
		InitialBackoff: time.Second,
		BackoffFactor:  2,
	}
}

// Execute runs the configured write
func (e *DatabaseWriteExecutor) Execute(ctx context.Context, config map[string]any, input *models.NodeInput) (any, error) {
	if e.db == nil {
		return nil, models.NewPermanent("no database configured for DatabaseWrite", nil)
	}

	table, err := configString(config, "table")
	if err != nil {
		return nil, err
	}
	operation, err := configString(config, "operation")
	if err != nil {
		return nil, err
	}
	if !identifierPattern.MatchString(table) {
		return nil, models.NewPermanent(fmt.Sprintf("invalid table name '%s'", table), nil)
	}

	data := configMap(config, "data")
	if data == nil {
		if primary, ok := primaryInput(input).(map[string]any); ok {
			data = primary
		}
	}
	if len(data) == 0 {
		return nil, models.NewPermanent("no data to write", nil)
	}

	var affected int64
	switch strings.ToLower(operation) {
	case "insert":
		affected, err = e.insert(ctx, table, data)
	case "update":
		where := configMap(config, "where")
		if len(where) == 0 {
			return nil, models.NewPermanent("update requires a 'where' object", nil)
		}
		affected, err = e.update(ctx, table, data, where)
	default:
		return nil, models.NewPermanent(fmt.Sprintf("unsupported operation '%s'", operation), nil)
	}
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"operation":     strings.ToLower(operation),
		"table":         table,
		"rows_affected": affected,
	}, nil
}

func (e *DatabaseWriteExecutor) insert(ctx context.Context, table string, data map[string]any) (int64, error) {
	columns, values, err := columnsAndValues(data)
	if err != nil {
		return 0, err
	}

	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(columns, ", "), strings.Join(placeholders, ", "),
	)

	tag, err := e.db.Exec(ctx, query, values...)
	if err != nil {
		return 0, models.NewTransient(fmt.Sprintf("insert into %s failed", table), err)
	}
	return tag.RowsAffected(), nil
}

func (e *DatabaseWriteExecutor) update(ctx context.Context, table string, data, where map[string]any) (int64, error) {
	setColumns, setValues, err := columnsAndValues(data)
	if err != nil {
		return 0, err
	}
	whereColumns, whereValues, err := columnsAndValues(where)
	if err != nil {
		return 0, err
	}

	assignments := make([]string, len(setColumns))
	for i, col := range setColumns {
		assignments[i] = fmt.Sprintf("%s = $%d", col, i+1)
	}
	conditions := make([]string, len(whereColumns))
	for i, col := range whereColumns {
		conditions[i] = fmt.Sprintf("%s = $%d", col, len(setColumns)+i+1)
	}

	query := fmt.Sprintf(
		"UPDATE %s SET %s WHERE %s",
		table, strings.Join(assignments, ", "), strings.Join(conditions, " AND "),
	)

	tag, err := e.db.Exec(ctx, query, append(setValues, whereValues...)...)
	if err != nil {
		return 0, models.NewTransient(fmt.Sprintf("update of %s failed", table), err)
	}
	return tag.RowsAffected(), nil
}

// columnsAndValues splits a data map into validated column names and their
// values in a stable order
func columnsAndValues(data map[string]any) ([]string, []any, error) {
	columns := make([]string, 0, len(data))
	for col := range data {
		if !identifierPattern.MatchString(col) {
			return nil, nil, models.NewPermanent(fmt.Sprintf("invalid column name '%s'", col), nil)
		}
		columns = append(columns, col)
	}
	sort.Strings(columns)

	values := make([]any, len(columns))
	for i, col := range columns {
		values[i] = data[col]
	}
	return columns, values, nil
}
