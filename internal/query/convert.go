package query

import (
	"bytes"
	"encoding/base64"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/parquet-go/parquet-go"
)

// BuildResult converts raw engine output into the requested serialization.
// The switch is exhaustive over Format.
func BuildResult(format Format, columns []string, rows [][]any, sanitized string, elapsed time.Duration) (Result, error) {
	result := Result{
		Format:   format,
		RowCount: len(rows),
		Duration: elapsed,
		Query:    sanitized,
	}
	switch format {
	case FormatJSON:
		result.Records = toRecords(columns, rows)
	case FormatCSV:
		text, err := toCSV(columns, rows)
		if err != nil {
			return Result{}, err
		}
		result.Text = text
	case FormatArrow:
		encoded, err := toArrowBase64(columns, rows)
		if err != nil {
			return Result{}, err
		}
		result.Encoded = encoded
	case FormatParquet:
		encoded, err := toParquetBase64(columns, rows)
		if err != nil {
			return Result{}, err
		}
		result.Encoded = encoded
	default:
		return Result{}, fmt.Errorf("unsupported format %q", format)
	}
	return result, nil
}

func toRecords(columns []string, rows [][]any) []map[string]any {
	records := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		record := make(map[string]any, len(columns))
		for i, col := range columns {
			if i < len(row) {
				record[col] = row[i]
			}
		}
		records = append(records, record)
	}
	return records
}

func toCSV(columns []string, rows [][]any) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(columns); err != nil {
		return "", fmt.Errorf("write csv header: %w", err)
	}
	record := make([]string, len(columns))
	for _, row := range rows {
		for i := range columns {
			if i < len(row) {
				record[i] = renderValue(row[i])
			} else {
				record[i] = ""
			}
		}
		if err := w.Write(record); err != nil {
			return "", fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("flush csv: %w", err)
	}
	return buf.String(), nil
}

func renderValue(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case bool:
		return strconv.FormatBool(value)
	case float64:
		return strconv.FormatFloat(value, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(value), 'g', -1, 32)
	case time.Time:
		return value.Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", value)
	}
}

// columnKind is the inferred storage type of one output column, used to build
// arrow and parquet schemas from untyped row data.
type columnKind int

const (
	kindString columnKind = iota
	kindBool
	kindInt
	kindFloat
)

func inferKind(rows [][]any, col int) columnKind {
	kind := kindString
	seen := false
	for _, row := range rows {
		if col >= len(row) || row[col] == nil {
			continue
		}
		var current columnKind
		switch row[col].(type) {
		case bool:
			current = kindBool
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			current = kindInt
		case float32, float64:
			current = kindFloat
		default:
			return kindString
		}
		if !seen {
			kind = current
			seen = true
			continue
		}
		if current == kind {
			continue
		}
		// Mixed ints and floats widen to float; anything else degrades
		// to string.
		if (kind == kindInt && current == kindFloat) || (kind == kindFloat && current == kindInt) {
			kind = kindFloat
			continue
		}
		return kindString
	}
	return kind
}

func asInt64(v any) (int64, bool) {
	switch value := v.(type) {
	case int:
		return int64(value), true
	case int8:
		return int64(value), true
	case int16:
		return int64(value), true
	case int32:
		return int64(value), true
	case int64:
		return value, true
	case uint:
		return int64(value), true
	case uint8:
		return int64(value), true
	case uint16:
		return int64(value), true
	case uint32:
		return int64(value), true
	case uint64:
		return int64(value), true
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	if i, ok := asInt64(v); ok {
		return float64(i), true
	}
	switch value := v.(type) {
	case float32:
		return float64(value), true
	case float64:
		return value, true
	default:
		return 0, false
	}
}

func toArrowBase64(columns []string, rows [][]any) (string, error) {
	kinds := make([]columnKind, len(columns))
	fields := make([]arrow.Field, len(columns))
	for i, col := range columns {
		kinds[i] = inferKind(rows, i)
		var dt arrow.DataType
		switch kinds[i] {
		case kindBool:
			dt = arrow.FixedWidthTypes.Boolean
		case kindInt:
			dt = arrow.PrimitiveTypes.Int64
		case kindFloat:
			dt = arrow.PrimitiveTypes.Float64
		default:
			dt = arrow.BinaryTypes.String
		}
		fields[i] = arrow.Field{Name: col, Type: dt, Nullable: true}
	}
	schema := arrow.NewSchema(fields, nil)

	mem := memory.NewGoAllocator()
	builder := array.NewRecordBuilder(mem, schema)
	defer builder.Release()

	for _, row := range rows {
		for i := range columns {
			var v any
			if i < len(row) {
				v = row[i]
			}
			appendArrowValue(builder.Field(i), kinds[i], v)
		}
	}

	record := builder.NewRecord()
	defer record.Release()

	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err := writer.Write(record); err != nil {
		return "", fmt.Errorf("write arrow record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close arrow stream: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func appendArrowValue(b array.Builder, kind columnKind, v any) {
	if v == nil {
		b.AppendNull()
		return
	}
	switch kind {
	case kindBool:
		builder := b.(*array.BooleanBuilder)
		if value, ok := v.(bool); ok {
			builder.Append(value)
		} else {
			builder.AppendNull()
		}
	case kindInt:
		builder := b.(*array.Int64Builder)
		if value, ok := asInt64(v); ok {
			builder.Append(value)
		} else {
			builder.AppendNull()
		}
	case kindFloat:
		builder := b.(*array.Float64Builder)
		if value, ok := asFloat64(v); ok {
			builder.Append(value)
		} else {
			builder.AppendNull()
		}
	default:
		b.(*array.StringBuilder).Append(renderValue(v))
	}
}

func toParquetBase64(columns []string, rows [][]any) (string, error) {
	kinds := make([]columnKind, len(columns))
	group := parquet.Group{}
	for i, col := range columns {
		kinds[i] = inferKind(rows, i)
		var node parquet.Node
		switch kinds[i] {
		case kindBool:
			node = parquet.Leaf(parquet.BooleanType)
		case kindInt:
			node = parquet.Int(64)
		case kindFloat:
			node = parquet.Leaf(parquet.DoubleType)
		default:
			node = parquet.String()
		}
		group[col] = parquet.Optional(node)
	}
	schema := parquet.NewSchema("query_result", group)

	records := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		record := make(map[string]any, len(columns))
		for i, col := range columns {
			var v any
			if i < len(row) {
				v = row[i]
			}
			if v == nil {
				continue
			}
			switch kinds[i] {
			case kindBool:
				if value, ok := v.(bool); ok {
					record[col] = value
				}
			case kindInt:
				if value, ok := asInt64(v); ok {
					record[col] = value
				}
			case kindFloat:
				if value, ok := asFloat64(v); ok {
					record[col] = value
				}
			default:
				record[col] = renderValue(v)
			}
		}
		records = append(records, record)
	}

	var buf bytes.Buffer
	writer := parquet.NewGenericWriter[map[string]any](&buf, schema)
	if len(records) > 0 {
		if _, err := writer.Write(records); err != nil {
			return "", fmt.Errorf("write parquet rows: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close parquet writer: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
