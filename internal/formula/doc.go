// Package formula provides the query-builder formula tree used for action
// filters, action conditions and view filters.
//
// A formula is a tree whose internal nodes are groups
// {condition: AND|OR, not: bool, rules: [...]} and whose leaves are rules
// {field, type, operator, value}. The JSON form is the one produced by the
// jQuery QueryBuilder widget, so formulas round-trip through the UI unchanged.
//
// Node is a sealed interface: only *Group and *Rule implement it, which makes
// the type switches in this package and in querysql exhaustive.
//
// Evaluation happens in two modes that must agree on every frame:
//
//	EvaluateBool(row)              → bool        (this package)
//	querysql.Builder.Formula(f)    → WHERE frag  (push-down)
//
// To make that agreement hold under SQL three-valued logic every rule is
// two-valued on null cells: is_null, is_empty and the negative string and
// equality operators (not_equal, not_begins_with, not_contains,
// not_ends_with) are true on null; all other operators are false.
//
// A nil *Formula means "no formula" (all rows). A formula whose Root was
// invalidated, for example because a referenced column was deleted,
// evaluates to false on every row until it is repaired.
package formula
