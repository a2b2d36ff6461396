package dbx

import (
	"fmt"
	"reflect"

	"github.com/goccy/go-json"

	"github.com/marcodd23/go-txcore/pkg/errorx"
)

// ============================================
// ResultSet, Row and RowScan
// ============================================

// Row represents a single result row as raw values.
type Row []any

// RowScan represents a row that can be mapped to dest fields trough Scan function.
type RowScan interface {
	Scan(dest ...any) error
}

// ResultSet represents a materialized query result.
type ResultSet interface {
	GetRow(rowIdx int) (Row, error)
	GetRows() []Row
	GetRowScan(rowIdx int) (RowScan, error)
	GetRowsScan() []RowScan
	Close()
}

// DefaultResultSet represents the query result set.
type DefaultResultSet struct {
	Rows     []Row
	RowsScan []RowScan
}

// GetRow - get row by index.
func (r *DefaultResultSet) GetRow(rowIdx int) (Row, error) {
	if rowIdx < 0 || rowIdx >= len(r.Rows) {
		return Row{}, errorx.NewDatabaseError("Error retrieving DefaultResultSet row, index out of range: %d", rowIdx)
	}

	return r.Rows[rowIdx], nil
}

// GetRows - return all the Row of this resultset.
func (r *DefaultResultSet) GetRows() []Row {
	return r.Rows
}

// GetRowScan - Get row scan.
func (r *DefaultResultSet) GetRowScan(rowIdx int) (RowScan, error) {
	if rowIdx < 0 || rowIdx >= len(r.RowsScan) {
		return nil, errorx.NewDatabaseError("Error retrieving DefaultResultSet RowsScan, index out of range: %d", rowIdx)
	}

	return r.RowsScan[rowIdx], nil
}

// GetRowsScan - Return all RowScan of this resultset
func (r *DefaultResultSet) GetRowsScan() []RowScan {
	return r.RowsScan
}

// Close - It supposed to be implemented by the derived struct
// to close the resultset eventually (Rows, RowsScan)
func (r *DefaultResultSet) Close() {}

// ============================================
// ValueRowScan
// ============================================

// ValueRowScan - RowScan over already materialized row values.
type ValueRowScan struct {
	Values []any
}

// Scan implements the RowScan interface to scan Values into the provided dest.
func (p *ValueRowScan) Scan(dest ...any) error {
	if len(dest) != len(p.Values) {
		return fmt.Errorf("expected %d destination arguments in Scan, not %d", len(p.Values), len(dest))
	}
	for i, v := range p.Values {
		// Get the reflect.Value of the destination argument.
		destValue := reflect.ValueOf(dest[i])

		// Check that the destination argument is a pointer.
		if destValue.Kind() != reflect.Ptr {
			return errorx.NewDatabaseError("destination not a pointer")
		}
		// Get the element the pointer points to.
		destElem := destValue.Elem()

		// Special case to handle nil values
		if v == nil {
			destElem.Set(reflect.Zero(destElem.Type()))
			continue
		}

		// Get the reflect.Value of the current value
		val := reflect.ValueOf(v)

		// Special handling for JSONB data
		if destElem.Kind() == reflect.Slice && destElem.Type().Elem().Kind() == reflect.Uint8 {
			if m, ok := v.(map[string]interface{}); ok {
				jsonBytes, err := json.Marshal(m)
				if err != nil {
					return errorx.NewDatabaseErrorWrapper(err, "failed to marshal jsonb data")
				}
				destElem.Set(reflect.ValueOf(jsonBytes))
				continue
			}
		}

		// Handle pointer types
		if destElem.Kind() == reflect.Ptr {
			// Create a new instance of the type that destElem points to.
			newElem := reflect.New(destElem.Type().Elem())
			if val.Type().ConvertibleTo(newElem.Elem().Type()) {
				newElem.Elem().Set(val.Convert(newElem.Elem().Type()))
				destElem.Set(newElem)
			} else {
				return errorx.NewDatabaseError(fmt.Sprintf("cannot convert %v to %v", val.Type(), newElem.Elem().Type()))
			}
		} else if val.Type().ConvertibleTo(destElem.Type()) {
			// Convert the value and set it to the destination element
			destElem.Set(val.Convert(destElem.Type()))
		} else {
			return errorx.NewDatabaseError(fmt.Sprintf("cannot convert %v to %v", val.Type(), destElem.Type()))
		}
	}
	return nil
}
