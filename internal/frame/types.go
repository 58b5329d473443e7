package frame

import "fmt"

// DataType is the logical type of a workflow column.
type DataType string

const (
	TypeString   DataType = "string"
	TypeInteger  DataType = "integer"
	TypeDouble   DataType = "double"
	TypeBoolean  DataType = "boolean"
	TypeDateTime DataType = "datetime"
)

// DataTypes lists every supported type in declaration order.
var DataTypes = []DataType{TypeString, TypeInteger, TypeDouble, TypeBoolean, TypeDateTime}

// ParseDataType validates a type name.
func ParseDataType(s string) (DataType, error) {
	for _, t := range DataTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown data type %q", s)
}

// IsNumeric reports whether t is integer or double.
func (t DataType) IsNumeric() bool {
	return t == TypeInteger || t == TypeDouble
}

// IsOrdered reports whether t supports less/greater/between operators.
func (t DataType) IsOrdered() bool {
	return t.IsNumeric() || t == TypeDateTime
}

// Compatible reports whether values of type other can be compared with
// values of type t. Integer and double are interchangeable.
func (t DataType) Compatible(other DataType) bool {
	if t == other {
		return true
	}
	return t.IsNumeric() && other.IsNumeric()
}
