package decoding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/zombor/invoice-reconciler/internal/llm"
	"github.com/zombor/invoice-reconciler/internal/schema"
)

// Options bounds the grammar walk
type Options struct {
	MaxStringTokens int // per string value
	MaxNumberTokens int // per number value
	MaxArrayItems   int
	MaxTokens       int // whole record; zero uses the model config
	TopLogprobs     int // candidates requested per step
}

// DefaultOptions returns the limits the invoice prompt was tuned with
func DefaultOptions() Options {
	return Options{
		MaxStringTokens: 30,
		MaxNumberTokens: 8,
		MaxArrayItems:   50,
		TopLogprobs:     20,
	}
}

var (
	// ErrBudgetExhausted means the record used up its token budget
	ErrBudgetExhausted = errors.New("token budget exhausted")
	// ErrNoCandidate means none of the model's candidates fit the grammar
	ErrNoCandidate = errors.New("no candidate fits the grammar")
)

// ExtractionError records a field that was given its default value
type ExtractionError struct {
	Field string
	Err   error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extracting %s: %v", e.Field, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Result is one generated record
type Result struct {
	JSON   []byte
	Faults []*ExtractionError
	Tokens int
}

// Degraded reports whether any field fell back to its default
func (r *Result) Degraded() bool {
	return len(r.Faults) > 0
}

// Decoder generates records that conform to a schema by walking the schema's
// grammar and letting the model choose only the values.
type Decoder struct {
	opts Options
}

// New creates a Decoder. Zero limits take their defaults.
func New(opts Options) *Decoder {
	def := DefaultOptions()
	if opts.MaxStringTokens <= 0 {
		opts.MaxStringTokens = def.MaxStringTokens
	}
	if opts.MaxNumberTokens <= 0 {
		opts.MaxNumberTokens = def.MaxNumberTokens
	}
	if opts.MaxArrayItems <= 0 {
		opts.MaxArrayItems = def.MaxArrayItems
	}
	if opts.TopLogprobs <= 0 {
		opts.TopLogprobs = def.TopLogprobs
	}
	return &Decoder{opts: opts}
}

// Decode generates one record for t. Fields the model cannot fill are set to
// their defaults and reported in Result.Faults. Only a cancelled context or an
// unusable model handle returns an error.
func (d *Decoder) Decode(ctx context.Context, h *llm.Handle, instructions string, t *schema.Type) (*Result, error) {
	prefix, err := buildPrefix(instructions, t)
	if err != nil {
		return nil, err
	}

	var res *Result
	err = h.Use(func(backend llm.Backend, cfg llm.Config) error {
		budget := d.opts.MaxTokens
		if budget <= 0 {
			budget = cfg.MaxTokens
		}
		if budget <= 0 {
			budget = 1024
		}
		w := &walk{
			ctx:     ctx,
			backend: backend,
			opts:    d.opts,
			sampler: newSampler(cfg),
			prefix:  prefix,
			budget:  budget,
		}
		if err := w.value(t, ""); err != nil {
			return err
		}
		res = &Result{JSON: []byte(w.out.String()), Faults: w.faults, Tokens: w.tokens}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := t.Validate(res.JSON); err != nil {
		slog.Error("Decoded record does not match schema, defaulting offending fields", "error", err)
		repaired, faults := repair(t, res.JSON)
		res.JSON = repaired
		res.Faults = append(res.Faults, faults...)
	}

	slog.Debug("Decoded record", "tokens", res.Tokens, "faults", len(res.Faults))
	return res, nil
}

// Default renders the record every field of t takes when nothing is known
func Default(t *schema.Type) []byte {
	var buf bytes.Buffer
	writeDefault(&buf, t)
	return buf.Bytes()
}

func writeDefault(buf *bytes.Buffer, t *schema.Type) {
	switch t.Kind {
	case schema.Object:
		buf.WriteByte('{')
		for i, f := range t.Fields {
			if i > 0 {
				buf.WriteString(", ")
			}
			buf.WriteString(quote(f.Name))
			buf.WriteString(": ")
			writeDefault(buf, f.Type)
		}
		buf.WriteByte('}')
	case schema.Array:
		buf.WriteString("[]")
	case schema.String:
		buf.WriteString(`""`)
	case schema.Integer, schema.Number:
		buf.WriteString("0")
	case schema.Boolean:
		buf.WriteString("false")
	}
}

type walk struct {
	ctx     context.Context
	backend llm.Backend
	opts    Options
	sampler *sampler
	prefix  string
	out     strings.Builder
	tokens  int
	budget  int
	faults  []*ExtractionError
}

func (w *walk) emit(s string) {
	w.out.WriteString(s)
}

// step asks the model for the candidates following the record so far plus suffix
func (w *walk) step(suffix string) ([]llm.Token, error) {
	if err := w.ctx.Err(); err != nil {
		return nil, err
	}
	if w.tokens >= w.budget {
		return nil, ErrBudgetExhausted
	}
	w.tokens++
	return w.backend.NextTokens(w.ctx, w.prefix+w.out.String()+suffix, w.opts.TopLogprobs)
}

// fail records a defaulted field. It returns an error only when the walk
// must stop.
func (w *walk) fail(path string, err error) error {
	if ctxErr := w.ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, llm.ErrClosed) {
		return err
	}
	slog.Debug("Field defaulted", "field", path, "error", err)
	w.faults = append(w.faults, &ExtractionError{Field: path, Err: err})
	return nil
}

func (w *walk) value(t *schema.Type, path string) error {
	switch t.Kind {
	case schema.Object:
		return w.object(t, path)
	case schema.Array:
		return w.array(t, path)
	case schema.String:
		return w.str(path)
	case schema.Integer:
		return w.number(path, false)
	case schema.Number:
		return w.number(path, true)
	case schema.Boolean:
		return w.boolean(path)
	}
	return fmt.Errorf("unsupported schema kind %s at %s", t.Kind, path)
}

func (w *walk) object(t *schema.Type, path string) error {
	w.emit("{")
	for i, f := range t.Fields {
		if i > 0 {
			w.emit(", ")
		}
		w.emit(quote(f.Name) + ": ")

		fieldPath := f.Name
		if path != "" {
			fieldPath = path + "." + f.Name
		}
		if err := w.value(f.Type, fieldPath); err != nil {
			return err
		}
	}
	w.emit("}")
	return nil
}

func (w *walk) array(t *schema.Type, path string) error {
	w.emit("[")
	for i := 0; i < w.opts.MaxArrayItems; i++ {
		more, err := w.continues(t.Items, i == 0)
		if err != nil {
			w.emit("]")
			return w.fail(path, err)
		}
		if !more {
			break
		}
		if i > 0 {
			w.emit(", ")
		}
		if err := w.value(t.Items, fmt.Sprintf("%s[%d]", path, i)); err != nil {
			return err
		}
	}
	w.emit("]")
	return nil
}

// continues decides whether an array gets another element by comparing the
// mass on closing the array against the mass on opening (or separating) one.
func (w *walk) continues(item *schema.Type, first bool) (bool, error) {
	cands, err := w.step("")
	if err != nil {
		return false, err
	}
	end := mass(cands, startsWith("]"))
	var next float64
	if first {
		next = mass(cands, opens(item))
	} else {
		next = mass(cands, startsWith(","))
	}
	return next > end, nil
}

func (w *walk) str(path string) error {
	var value strings.Builder
	for n := 0; n < w.opts.MaxStringTokens; n++ {
		cands, err := w.step(`"` + value.String())
		if err != nil {
			w.emit(`""`)
			return w.fail(path, err)
		}
		tok, ok := w.sampler.pick(cands, func(s string) bool { return s != "" })
		if !ok {
			w.emit(`""`)
			return w.fail(path, ErrNoCandidate)
		}
		if i := strings.IndexAny(tok.Text, "\"\n"); i >= 0 {
			value.WriteString(tok.Text[:i])
			break
		}
		value.WriteString(tok.Text)
	}
	w.emit(quote(strings.TrimSpace(value.String())))
	return nil
}

func (w *walk) number(path string, float bool) error {
	var value strings.Builder
	var stepErr error
	for n := 0; n < w.opts.MaxNumberTokens; n++ {
		first := value.Len() == 0
		dot := float && !strings.Contains(value.String(), ".")

		cands, err := w.step(value.String())
		if err != nil {
			stepErr = err
			break
		}
		tok, ok := w.sampler.pick(cands, func(s string) bool {
			digits, done, ok := numberChunk(s, first, dot)
			return ok && (digits != "" || (done && !first))
		})
		if !ok {
			if first {
				stepErr = ErrNoCandidate
			}
			break
		}
		digits, done, _ := numberChunk(tok.Text, first, dot)
		value.WriteString(digits)
		if done {
			break
		}
	}

	if stepErr == nil {
		lit, err := formatNumber(value.String(), float)
		if err == nil {
			w.emit(lit)
			return nil
		}
		stepErr = err
	}
	w.emit("0")
	return w.fail(path, stepErr)
}

func (w *walk) boolean(path string) error {
	cands, err := w.step("")
	if err != nil {
		w.emit("false")
		return w.fail(path, err)
	}
	yes := mass(cands, literal("true"))
	no := mass(cands, literal("false"))
	if yes == 0 && no == 0 {
		w.emit("false")
		return w.fail(path, ErrNoCandidate)
	}
	w.emit(strconv.FormatBool(yes > no))
	return nil
}

// numberChunk splits a candidate into the digits it contributes and whether
// it terminates the number. ok is false when the candidate is not part of a
// non-negative number.
func numberChunk(s string, first, dot bool) (digits string, done, ok bool) {
	if first {
		s = strings.TrimLeft(s, " ")
	}
	i := 0
	for i < len(s) {
		c := s[i]
		if c >= '0' && c <= '9' {
			i++
			continue
		}
		if c == '.' && dot && !(first && i == 0) {
			dot = false
			i++
			continue
		}
		break
	}
	if i == len(s) {
		return s, false, true
	}
	if strings.IndexByte(",}] \t\r\n", s[i]) >= 0 {
		return s[:i], true, true
	}
	return "", false, false
}

func formatNumber(v string, float bool) (string, error) {
	v = strings.TrimSuffix(v, ".")
	if v == "" {
		return "", ErrNoCandidate
	}
	if float {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return "", fmt.Errorf("parsing number %q: %w", v, err)
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return "", fmt.Errorf("parsing integer %q: %w", v, err)
	}
	return strconv.FormatInt(n, 10), nil
}

func startsWith(prefix string) func(string) bool {
	return func(s string) bool {
		return strings.HasPrefix(strings.TrimLeft(s, " \t\r\n"), prefix)
	}
}

func literal(word string) func(string) bool {
	return func(s string) bool {
		s = strings.ToLower(strings.TrimLeft(s, " "))
		return s != "" && (strings.HasPrefix(word, s) || strings.HasPrefix(s, word))
	}
}

// opens matches candidates that start a value of kind t
func opens(t *schema.Type) func(string) bool {
	return func(s string) bool {
		s = strings.TrimLeft(s, " \t\r\n")
		if s == "" {
			return false
		}
		c := s[0]
		switch t.Kind {
		case schema.Object:
			return c == '{'
		case schema.Array:
			return c == '['
		case schema.String:
			return c == '"'
		case schema.Boolean:
			return c == 't' || c == 'f'
		default:
			return c >= '0' && c <= '9'
		}
	}
}

func quote(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	return strings.TrimSuffix(buf.String(), "\n")
}
