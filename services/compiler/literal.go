package compiler

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/upb/analytics-control-plane/models"
)

const dateLayout = "2006-01-02"

var quarterLabel = regexp.MustCompile(`^[0-9]{4}-Q[1-4]$`)

var comparisonOps = map[string]string{
	"=":  "=",
	"!=": "<>",
	"<":  "<",
	"<=": "<=",
	">":  ">",
	">=": ">=",
}

// predicate renders one user filter against f.
func predicate(f *models.Field, op string, value any) (string, error) {
	col := f.SQL()
	switch op {
	case "in", "not_in":
		values, ok := listValue(value)
		if !ok {
			return "", compileErr("filter %s %s needs a list value", f.Name, op)
		}
		if len(values) == 0 {
			return "", compileErr("filter %s %s has an empty list", f.Name, op)
		}
		lits := make([]string, 0, len(values))
		for _, v := range values {
			lit, err := literal(f, v)
			if err != nil {
				return "", err
			}
			lits = append(lits, lit)
		}
		keyword := " IN ("
		if op == "not_in" {
			keyword = " NOT IN ("
		}
		return col + keyword + strings.Join(lits, ", ") + ")", nil
	}

	sqlOp, ok := comparisonOps[op]
	if !ok {
		return "", compileErr("unsupported filter operator %q on %s", op, f.Name)
	}
	if _, isList := listValue(value); isList {
		return "", compileErr("filter %s %s needs a single value", f.Name, op)
	}
	if f.Type == models.FieldTypeBoolean && sqlOp != "=" && sqlOp != "<>" {
		return "", compileErr("boolean field %s only supports = and !=", f.Name)
	}
	lit, err := literal(f, value)
	if err != nil {
		return "", err
	}
	return col + " " + sqlOp + " " + lit, nil
}

func listValue(value any) ([]any, bool) {
	switch v := value.(type) {
	case []any:
		return v, true
	case []string:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out, true
	case []int:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out, true
	case []float64:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out, true
	}
	return nil, false
}

// literal renders v as an inline SQL literal typed by f.
func literal(f *models.Field, v any) (string, error) {
	mismatch := func() error {
		return compileErr("value %v (%T) does not fit %s field %s", v, v, f.Type, f.Name)
	}

	switch f.Type {
	case models.FieldTypeString:
		s, ok := v.(string)
		if !ok {
			return "", mismatch()
		}
		return quoteString(s)

	case models.FieldTypeInteger:
		switch x := v.(type) {
		case int:
			return strconv.Itoa(x), nil
		case int64:
			return strconv.FormatInt(x, 10), nil
		case float64:
			if math.IsNaN(x) || math.IsInf(x, 0) || x != math.Trunc(x) || math.Abs(x) >= 1<<53 {
				return "", compileErr("value %v is not an integer for field %s", x, f.Name)
			}
			return strconv.FormatInt(int64(x), 10), nil
		case json.Number:
			n, err := x.Int64()
			if err != nil {
				return "", compileErr("value %s is not an integer for field %s", x, f.Name)
			}
			return strconv.FormatInt(n, 10), nil
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
			if err != nil {
				return "", compileErr("value %q is not an integer for field %s", x, f.Name)
			}
			return strconv.FormatInt(n, 10), nil
		}
		return "", mismatch()

	case models.FieldTypeNumber:
		var n float64
		switch x := v.(type) {
		case int:
			n = float64(x)
		case int64:
			n = float64(x)
		case float64:
			n = x
		case json.Number:
			n, err := x.Float64()
			if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
				return "", mismatch()
			}
			return x.String(), nil
		case string:
			var err error
			if n, err = strconv.ParseFloat(strings.TrimSpace(x), 64); err != nil {
				return "", mismatch()
			}
		default:
			return "", mismatch()
		}
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return "", compileErr("value %v is not a finite number for field %s", n, f.Name)
		}
		return strconv.FormatFloat(n, 'f', -1, 64), nil

	case models.FieldTypeDate:
		s, ok := v.(string)
		if !ok {
			return "", mismatch()
		}
		t, err := time.Parse(dateLayout, strings.TrimSpace(s))
		if err != nil {
			return "", compileErr("value %q is not a YYYY-MM-DD date for field %s", s, f.Name)
		}
		return "DATE '" + t.Format(dateLayout) + "'", nil

	case models.FieldTypeBoolean:
		switch x := v.(type) {
		case bool:
			if x {
				return "TRUE", nil
			}
			return "FALSE", nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(x))
			if err != nil {
				return "", mismatch()
			}
			return literal(f, b)
		}
		return "", mismatch()
	}
	return "", compileErr("field %s has unsupported type %q", f.Name, f.Type)
}

func quoteString(s string) (string, error) {
	if strings.ContainsRune(s, 0) {
		return "", compileErr("string literal contains a NUL byte")
	}
	return "'" + strings.ReplaceAll(norm.NFC.String(s), "'", "''") + "'", nil
}

// timeLiteral renders a time-range bound for the product's time field. Quarter-labelled
// products compare against 'YYYY-Qn'.
func timeLiteral(p *models.DataProduct, tf *models.Field, value string) (string, error) {
	value = strings.TrimSpace(value)
	if p.TimeFormat == models.TimeFormatQuarter {
		if quarterLabel.MatchString(value) {
			return "'" + value + "'", nil
		}
		t, err := time.Parse(dateLayout, value)
		if err != nil {
			return "", compileErr("time bound %q is neither a date nor a quarter label", value)
		}
		return fmt.Sprintf("'%d-Q%d'", t.Year(), (int(t.Month())-1)/3+1), nil
	}
	if tf.Type != models.FieldTypeDate {
		return literal(tf, value)
	}
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		return "", compileErr("time bound %q is not a YYYY-MM-DD date", value)
	}
	return "DATE '" + t.Format(dateLayout) + "'", nil
}
