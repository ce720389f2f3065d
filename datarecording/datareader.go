package datarecording

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"
)

var (
	// ErrUnmappedTable is returned when querying a table that has no
	// mapping.
	ErrUnmappedTable = errors.New("table is not mapped")

	// ErrUnknownColumn is returned when a query names a column that the
	// mapped entry type does not have.
	ErrUnknownColumn = errors.New("unknown column")
)

// QueryParams narrows a query.
type QueryParams struct {
	// Equal keeps the rows whose columns hold the given values.
	Equal map[string]any

	// Where is an extra condition without the WHERE keyword, for example
	// "SequenceNum > ?". Args fill its placeholders.
	Where string
	Args  []any

	// Limit of zero means no limit. Offset needs a limit.
	Limit  int
	Offset int

	// OrderBy lists columns, each optionally followed by ASC or DESC, for
	// example "Time, rowid". The insertion order is available as rowid.
	OrderBy string
}

// Match returns a copy of the params that also requires column to equal
// value.
func (p QueryParams) Match(column string, value any) QueryParams {
	equal := make(map[string]any, len(p.Equal)+1)
	for k, v := range p.Equal {
		equal[k] = v
	}

	equal[column] = value
	p.Equal = equal

	return p
}

// DataReader reads the tables written by a DataRecorder.
type DataReader interface {
	// MapTable establishes a mapping between a database table and a Go struct
	// type. This mapping is required before querying a table.
	MapTable(tableName string, sampleEntry any)

	// ListTables returns a list of all tables that have been mapped.
	ListTables() []string

	// Query executes a query on a table and returns the results.
	Query(ctx context.Context, tableName string, params QueryParams) (
		results []any,
		totalCount int,
		err error,
	)

	// Close closes the reader
	Close() error
}

// tableMapping ties the columns of a table to the fields of an entry type.
// Recorders name every column after its field.
type tableMapping struct {
	entryType reflect.Type
	columns   []string
}

func newTableMapping(sampleEntry any) tableMapping {
	t := reflect.TypeOf(sampleEntry)
	if t == nil || t.Kind() != reflect.Struct {
		panic(fmt.Sprintf("cannot map entries of type %T", sampleEntry))
	}

	m := tableMapping{entryType: t}
	for i := 0; i < t.NumField(); i++ {
		m.columns = append(m.columns, t.Field(i).Name)
	}

	return m
}

func (m tableMapping) hasColumn(name string) bool {
	if strings.EqualFold(name, "rowid") {
		return true
	}

	for _, c := range m.columns {
		if c == name {
			return true
		}
	}

	return false
}

// filter renders the WHERE part of a query and its arguments.
func (m tableMapping) filter(params QueryParams) (string, []any, error) {
	columns := make([]string, 0, len(params.Equal))
	for c := range params.Equal {
		columns = append(columns, c)
	}

	sort.Strings(columns)

	var (
		conds []string
		args  []any
	)

	for _, c := range columns {
		if !m.hasColumn(c) {
			return "", nil, fmt.Errorf("%w: %s", ErrUnknownColumn, c)
		}

		conds = append(conds, c+" = ?")
		args = append(args, params.Equal[c])
	}

	if params.Where != "" {
		conds = append(conds, "("+params.Where+")")
		args = append(args, params.Args...)
	}

	if len(conds) == 0 {
		return "", nil, nil
	}

	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

func (m tableMapping) order(orderBy string) (string, error) {
	if strings.TrimSpace(orderBy) == "" {
		return "", nil
	}

	terms := strings.Split(orderBy, ",")
	for i, term := range terms {
		words := strings.Fields(term)

		switch {
		case len(words) == 0 || len(words) > 2:
			return "", fmt.Errorf("bad sort order %q", term)
		case !m.hasColumn(words[0]):
			return "", fmt.Errorf("%w: %s", ErrUnknownColumn, words[0])
		case len(words) == 2:
			dir := strings.ToUpper(words[1])
			if dir != "ASC" && dir != "DESC" {
				return "", fmt.Errorf("bad sort direction %q", words[1])
			}

			words[1] = dir
		}

		terms[i] = strings.Join(words, " ")
	}

	return " ORDER BY " + strings.Join(terms, ", "), nil
}

// sqliteReader reads data from a SQLite database.
type sqliteReader struct {
	*sql.DB

	tables map[string]tableMapping
}

// NewReader opens a recording for reading.
func NewReader(dbFilename string) (DataReader, error) {
	if _, err := os.Stat(dbFilename); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", "file:"+dbFilename+"?mode=ro")
	if err != nil {
		return nil, err
	}

	r := NewReaderWithDB(db)
	r.MapTable(ExecInfoTable, ExecInfo{})

	return r, nil
}

// NewReaderWithDB creates a new DataReader with a given database
func NewReaderWithDB(db *sql.DB) DataReader {
	return &sqliteReader{
		DB:     db,
		tables: make(map[string]tableMapping),
	}
}

func (r *sqliteReader) MapTable(tableName string, sampleEntry any) {
	r.tables[tableName] = newTableMapping(sampleEntry)
}

func (r *sqliteReader) ListTables() []string {
	tables := make([]string, 0, len(r.tables))
	for table := range r.tables {
		tables = append(tables, table)
	}

	sort.Strings(tables)

	return tables
}

func (r *sqliteReader) Query(
	ctx context.Context,
	tableName string,
	params QueryParams,
) ([]any, int, error) {
	m, ok := r.tables[tableName]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnmappedTable, tableName)
	}

	where, args, err := m.filter(params)
	if err != nil {
		return nil, 0, err
	}

	orderBy, err := m.order(params.OrderBy)
	if err != nil {
		return nil, 0, err
	}

	var totalCount int

	err = r.DB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+tableName+where, args...).Scan(&totalCount)
	if err != nil {
		return nil, 0, err
	}

	query := "SELECT " + strings.Join(m.columns, ", ") +
		" FROM " + tableName + where + orderBy

	if params.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", params.Limit, params.Offset)
	}

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	results, err := m.scan(rows, params.Limit)
	if err != nil {
		return nil, 0, err
	}

	return results, totalCount, nil
}

// scan reads rows of the mapped columns into new entries.
func (m tableMapping) scan(rows *sql.Rows, sizeHint int) ([]any, error) {
	results := make([]any, 0, sizeHint)
	targets := make([]any, len(m.columns))

	for rows.Next() {
		entry := reflect.New(m.entryType)
		for i := range m.columns {
			targets[i] = entry.Elem().Field(i).Addr().Interface()
		}

		if err := rows.Scan(targets...); err != nil {
			return nil, err
		}

		results = append(results, entry.Interface())
	}

	return results, rows.Err()
}

func (r *sqliteReader) Close() error {
	return r.DB.Close()
}
