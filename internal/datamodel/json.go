package datamodel

import (
	"strconv"
	"strings"
	"sync"

	"github.com/hulaishun/qtscxml/internal/model"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// JSON is the reference "object" data-model language: chart variables live
// as paths in a single in-memory JSON document, read with gjson and written
// with sjson (both already required by agentflare-ai-agentml-go in the
// retrieval pack). Locations and expression operands are gjson/sjson dotted
// paths; guard/cond expressions are the "path op literal" grammar the
// teacher's extensibility.ExpressionGuardEvaluator already implements,
// extended here with "&&"/"||" so multi-clause <cond> attributes — routine
// in real charts — don't need a second evaluator.
//
// Mutex-protected rather than sync.Map (primitives.Context's choice):
// sjson.SetRaw mutates the whole document string on every write, so there's
// no per-key independence to exploit the way sync.Map gives for disjoint
// keys — a single RWMutex around the document string is the honest
// reflection of that.
type JSON struct {
	mu         sync.RWMutex
	doc        string   // always a valid JSON object, "{}" initially
	evaluators []string // expression source text, indexed by EvaluatorId
}

func NewJSON() *JSON {
	return &JSON{doc: "{}"}
}

// SetExprSource registers the expression source text for every evaluator id
// in td, so subsequent Evaluate* calls can resolve ids without this
// DataModel needing a *model.TableData reference of its own (spec.md keeps
// DataModel's contract chart-agnostic). Call once after loading a chart,
// before the first evaluation.
func (j *JSON) SetExprSource(td *model.TableData) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.evaluators = td.Evaluators
}

func (j *JSON) Setup(initialValues map[string]any) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for k, v := range initialValues {
		doc, err := sjson.Set(j.doc, k, v)
		if err != nil {
			return false
		}
		j.doc = doc
	}
	return true
}

func (j *JSON) EvaluateToString(id model.EvaluatorId) (string, bool) {
	v, ok := j.EvaluateToVariant(id)
	if !ok {
		return "", false
	}
	return v.toDisplayString(), true
}

func (j *JSON) EvaluateToBool(id model.EvaluatorId) (bool, bool) {
	if id == model.NoEvaluator {
		return true, true
	}
	expr := j.expr(id)
	if expr == "" {
		return true, true
	}
	if strings.Contains(expr, "&&") {
		for _, clause := range strings.Split(expr, "&&") {
			ok, valid := j.evalBoolClause(strings.TrimSpace(clause))
			if !valid {
				return false, false
			}
			if !ok {
				return false, true
			}
		}
		return true, true
	}
	if strings.Contains(expr, "||") {
		anyValid := false
		for _, clause := range strings.Split(expr, "||") {
			ok, valid := j.evalBoolClause(strings.TrimSpace(clause))
			if valid {
				anyValid = true
			}
			if ok {
				return true, true
			}
		}
		return false, anyValid
	}
	return j.evalBoolClause(expr)
}

func (j *JSON) evalBoolClause(expr string) (bool, bool) {
	parts := strings.Fields(expr)
	if len(parts) == 1 {
		v, ok := j.readPath(parts[0])
		if !ok {
			return false, false
		}
		return v.ToBool(), true
	}
	if len(parts) != 3 {
		return false, false
	}
	path, op, lit := parts[0], parts[1], parts[2]
	v, ok := j.readPath(path)
	if !ok {
		return false, false
	}
	return compare(v, op, lit)
}

func compare(v Value, op, lit string) (bool, bool) {
	switch op {
	case "==":
		return valueEqualsLiteral(v, lit), true
	case "!=":
		return !valueEqualsLiteral(v, lit), true
	case ">", "<", ">=", "<=":
		f, err := strconv.ParseFloat(lit, 64)
		if err != nil {
			return false, false
		}
		var vf float64
		switch v.Kind {
		case KindInt:
			vf = float64(v.Int)
		case KindDouble:
			vf = v.Double
		default:
			return false, false
		}
		switch op {
		case ">":
			return vf > f, true
		case "<":
			return vf < f, true
		case ">=":
			return vf >= f, true
		default:
			return vf <= f, true
		}
	default:
		return false, false
	}
}

func valueEqualsLiteral(v Value, lit string) bool {
	switch lit {
	case "true":
		return v.Kind == KindBool && v.Bool
	case "false":
		return v.Kind == KindBool && !v.Bool
	case "null":
		return v.Kind == KindNull
	}
	if f, err := strconv.ParseFloat(lit, 64); err == nil {
		switch v.Kind {
		case KindInt:
			return float64(v.Int) == f
		case KindDouble:
			return v.Double == f
		}
	}
	return v.Kind == KindString && v.Str == lit
}

func (j *JSON) EvaluateToVariant(id model.EvaluatorId) (Value, bool) {
	expr := j.expr(id)
	if expr == "" {
		return Value{}, false
	}
	return j.readPath(expr)
}

func (j *JSON) EvaluateToVoid(id model.EvaluatorId) bool {
	_, ok := j.EvaluateToVariant(id)
	return ok
}

// EvaluateAssignment expects expr of the form "location = rhsPath-or-literal".
func (j *JSON) EvaluateAssignment(id model.EvaluatorId) bool {
	expr := j.expr(id)
	loc, rhs, ok := splitAssignment(expr)
	if !ok {
		return false
	}
	return j.assign(loc, rhs)
}

// EvaluateInitialization is identical to EvaluateAssignment: a <data id
// expr> compiles to the same "location = expr" shape as <assign>.
func (j *JSON) EvaluateInitialization(id model.EvaluatorId) bool {
	return j.EvaluateAssignment(id)
}

func splitAssignment(expr string) (loc, rhs string, ok bool) {
	idx := strings.Index(expr, "=")
	if idx <= 0 {
		return "", "", false
	}
	return strings.TrimSpace(expr[:idx]), strings.TrimSpace(expr[idx+1:]), true
}

func (j *JSON) assign(loc, rhs string) bool {
	var v Value
	if rv, ok := j.readPath(rhs); ok {
		v = rv
	} else {
		v = literalToValue(rhs)
	}
	return j.SetProperty(loc, v)
}

func literalToValue(lit string) Value {
	switch lit {
	case "true":
		return Bool(true)
	case "false":
		return Bool(false)
	case "null", "":
		return Null()
	}
	if strings.HasPrefix(lit, `"`) && strings.HasSuffix(lit, `"`) && len(lit) >= 2 {
		return String(lit[1 : len(lit)-1])
	}
	if f, err := strconv.ParseFloat(lit, 64); err == nil {
		return Double(f)
	}
	return String(lit)
}

func (j *JSON) EvaluateForeach(id model.EvaluatorId, itemLoc, indexLoc string, body ForeachBody) bool {
	expr := j.expr(id)
	if expr == "" {
		return false
	}
	v, ok := j.readPath(expr)
	if !ok || v.Kind != KindList {
		return false
	}
	for i, item := range v.List {
		j.SetProperty(itemLoc, item)
		if indexLoc != "" {
			j.SetProperty(indexLoc, Int(int64(i)))
		}
		if !body(item, i) {
			return false
		}
	}
	return true
}

func (j *JSON) SetEvent(ev model.Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	doc := j.doc
	doc, _ = sjson.Set(doc, "_event.name", ev.Name)
	doc, _ = sjson.Set(doc, "_event.type", string(ev.Type))
	doc, _ = sjson.Set(doc, "_event.sendid", ev.SendId)
	doc, _ = sjson.Set(doc, "_event.origin", ev.Origin)
	doc, _ = sjson.Set(doc, "_event.origintype", ev.OriginType)
	doc, _ = sjson.Set(doc, "_event.invokeid", ev.InvokeId)
	if ev.Data != nil {
		doc, _ = sjson.Set(doc, "_event.data", ev.Data)
	} else {
		doc, _ = sjson.Delete(doc, "_event.data")
	}
	j.doc = doc
}

func (j *JSON) Property(name string) (Value, bool) {
	return j.readPath(name)
}

func (j *JSON) HasProperty(name string) bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return gjson.Get(j.doc, name).Exists()
}

func (j *JSON) SetProperty(name string, value Value) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	doc, err := sjson.Set(j.doc, name, value.Any())
	if err != nil {
		return false
	}
	j.doc = doc
	return true
}

func (j *JSON) readPath(path string) (Value, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	res := gjson.Get(j.doc, path)
	if !res.Exists() {
		return Value{}, false
	}
	return gjsonToValue(res), true
}

func gjsonToValue(r gjson.Result) Value {
	switch r.Type {
	case gjson.Null:
		return Null()
	case gjson.False:
		return Bool(false)
	case gjson.True:
		return Bool(true)
	case gjson.Number:
		if r.Num == float64(int64(r.Num)) {
			return Int(int64(r.Num))
		}
		return Double(r.Num)
	case gjson.String:
		return String(r.Str)
	default:
		if r.IsArray() {
			var out []Value
			for _, e := range r.Array() {
				out = append(out, gjsonToValue(e))
			}
			return List(out)
		}
		if r.IsObject() {
			out := make(map[string]Value)
			r.ForEach(func(k, v gjson.Result) bool {
				out[k.String()] = gjsonToValue(v)
				return true
			})
			return Map(out)
		}
		return Opaque(r.Value())
	}
}

func (v Value) toDisplayString() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindDouble:
		return strconv.FormatFloat(v.Double, 'g', -1, 64)
	case KindNull:
		return "null"
	default:
		return ""
	}
}

func (j *JSON) expr(id model.EvaluatorId) string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if id == model.NoEvaluator || int(id) < 0 || int(id) >= len(j.evaluators) {
		return ""
	}
	return j.evaluators[id]
}
