package datamodel

// Kind tags a Value's dynamic type (Design Notes: "a tagged variant
// {null, bool, int, double, string, list<Value>, map<string,Value>,
// opaque}").
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindDouble
	KindString
	KindList
	KindMap
	KindOpaque
)

// Value is the dynamic-typed value the data model reads and writes.
// Grounded on the teacher's any-typed Context values (primitives.Context,
// Context.Get/Set), made explicit so callers coerce deliberately instead of
// doing unchecked type assertions on an any.
type Value struct {
	Kind   Kind
	Bool   bool
	Int    int64
	Double float64
	Str    string
	List   []Value
	Map    map[string]Value
	Opaque any
}

func Null() Value                { return Value{Kind: KindNull} }
func Bool(b bool) Value          { return Value{Kind: KindBool, Bool: b} }
func Int(i int64) Value          { return Value{Kind: KindInt, Int: i} }
func Double(f float64) Value     { return Value{Kind: KindDouble, Double: f} }
func String(s string) Value      { return Value{Kind: KindString, Str: s} }
func List(v []Value) Value       { return Value{Kind: KindList, List: v} }
func Map(m map[string]Value) Value { return Value{Kind: KindMap, Map: m} }
func Opaque(v any) Value         { return Value{Kind: KindOpaque, Opaque: v} }

// ToBool applies the standard's coercion rules: empty string, 0, null are
// false; everything else (including empty list/map) is true.
func (v Value) ToBool() bool {
	switch v.Kind {
	case KindNull:
		return false
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int != 0
	case KindDouble:
		return v.Double != 0
	case KindString:
		return v.Str != ""
	case KindOpaque:
		return v.Opaque != nil
	default:
		return true
	}
}

// Any unwraps a Value to a plain any, for handing to host callbacks or JSON
// marshaling.
func (v Value) Any() any {
	switch v.Kind {
	case KindNull:
		return nil
	case KindBool:
		return v.Bool
	case KindInt:
		return v.Int
	case KindDouble:
		return v.Double
	case KindString:
		return v.Str
	case KindList:
		out := make([]any, len(v.List))
		for i, e := range v.List {
			out[i] = e.Any()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.Map))
		for k, e := range v.Map {
			out[k] = e.Any()
		}
		return out
	default:
		return v.Opaque
	}
}

// FromAny converts a plain any (typically decoded JSON, or a Go literal
// passed by an embedder) into a Value.
func FromAny(a any) Value {
	switch x := a.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(x)
	case string:
		return String(x)
	case int:
		return Int(int64(x))
	case int64:
		return Int(x)
	case float64:
		return Double(x)
	case []any:
		out := make([]Value, len(x))
		for i, e := range x {
			out[i] = FromAny(e)
		}
		return List(out)
	case map[string]any:
		out := make(map[string]Value, len(x))
		for k, e := range x {
			out[k] = FromAny(e)
		}
		return Map(out)
	default:
		return Opaque(x)
	}
}
