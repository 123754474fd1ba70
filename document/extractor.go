// Package document turns an uploaded identity document into the
// attributes used by recovery. Work is bounded: input is size and
// structure checked before any text is parsed, and every call runs under
// a timeout.
package document

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const DefaultTimeout = 15 * time.Second

var pdfMagic = []byte("%PDF-")

// Limits bounds what Validate accepts.
type Limits struct {
	MaxBytes       int
	MinPages       int
	MaxPages       int
	MinKeywordHits int
	Keywords       []string
}

func DefaultLimits() Limits {
	return Limits{
		MaxBytes:       10 << 20,
		MinPages:       1,
		MaxPages:       8,
		MinKeywordHits: 1,
		Keywords: []string{
			"government", "identity", "identification", "authority",
			"date of birth", "dob", "gender", "male", "female", "enrolment",
		},
	}
}

// Verdict is the outcome of Validate. Reason is empty when OK.
type Verdict struct {
	OK          bool
	Reason      string
	Pages       int
	KeywordHits int
}

// Text is the best-effort result of ExtractText. Failed lists page
// numbers that could not be read.
type Text struct {
	Pages  []string
	Failed []int
}

func (t Text) String() string {
	return strings.Join(t.Pages, "\n")
}

type Extractor struct {
	limits  Limits
	rules   []Rule
	timeout time.Duration
	open    Opener
	now     func() time.Time
	logger  zerolog.Logger
}

type Option func(*Extractor)

func WithLimits(l Limits) Option { return func(e *Extractor) { e.limits = l } }

func WithRules(r []Rule) Option { return func(e *Extractor) { e.rules = r } }

func WithTimeout(d time.Duration) Option { return func(e *Extractor) { e.timeout = d } }

// WithOpener replaces the PDF parser.
func WithOpener(o Opener) Option { return func(e *Extractor) { e.open = o } }

// WithNow sets the reference time for date plausibility checks.
func WithNow(now func() time.Time) Option { return func(e *Extractor) { e.now = now } }

func WithLogger(l zerolog.Logger) Option { return func(e *Extractor) { e.logger = l } }

func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{
		limits:  DefaultLimits(),
		rules:   DefaultRules(),
		timeout: DefaultTimeout,
		open:    OpenPDF,
		now:     time.Now,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Validate runs the structural checks in order: size, PDF magic, page
// count, keyword hits. The first failing check decides the reason.
func (e *Extractor) Validate(data []byte) Verdict {
	v, _ := e.validate(data)
	return v
}

// CheckSize applies the size limit to a document of n bytes, so callers
// can reject a file before reading it.
func (e *Extractor) CheckSize(n int64) error {
	if e.limits.MaxBytes > 0 && n > int64(e.limits.MaxBytes) {
		return &InputValidationError{Reason: fmt.Sprintf("document exceeds %d bytes", e.limits.MaxBytes)}
	}
	return nil
}

func (e *Extractor) validate(data []byte) (Verdict, Text) {
	if len(data) == 0 {
		return reject("empty document"), Text{}
	}
	if err := e.CheckSize(int64(len(data))); err != nil {
		return reject(err.(*InputValidationError).Reason), Text{}
	}
	if !bytes.HasPrefix(data, pdfMagic) {
		return reject("not a PDF document"), Text{}
	}
	src, err := e.open(data)
	if err != nil {
		return reject("malformed PDF"), Text{}
	}

	n := src.NumPage()
	v := Verdict{Pages: n}
	if n < e.limits.MinPages || (e.limits.MaxPages > 0 && n > e.limits.MaxPages) {
		v.Reason = fmt.Sprintf("page count %d outside [%d, %d]", n, e.limits.MinPages, e.limits.MaxPages)
		return v, Text{}
	}

	text := readPages(src)
	v.KeywordHits = countKeywords(strings.ToLower(text.String()), e.limits.Keywords)
	if v.KeywordHits < e.limits.MinKeywordHits {
		v.Reason = fmt.Sprintf("found %d of %d required keywords", v.KeywordHits, e.limits.MinKeywordHits)
		return v, Text{}
	}
	v.OK = true
	return v, text
}

func reject(reason string) Verdict {
	return Verdict{Reason: reason}
}

func countKeywords(lower string, keywords []string) int {
	hits := 0
	for _, k := range keywords {
		if strings.Contains(lower, strings.ToLower(k)) {
			hits++
		}
	}
	return hits
}

// ExtractText reads every page. A page that errors or panics is recorded
// in Failed and the rest are still read.
func (e *Extractor) ExtractText(data []byte) (Text, error) {
	src, err := e.open(data)
	if err != nil {
		return Text{}, &InputValidationError{Reason: "malformed PDF"}
	}
	text := readPages(src)
	if len(text.Failed) > 0 {
		e.logger.Warn().Ints("pages", text.Failed).Msg("some pages could not be read")
	}
	return text, nil
}

func readPages(src PageSource) Text {
	var t Text
	for i := 1; i <= src.NumPage(); i++ {
		s, err := pageText(src, i)
		if err != nil {
			t.Failed = append(t.Failed, i)
			continue
		}
		t.Pages = append(t.Pages, s)
	}
	return t
}

func pageText(src PageSource, n int) (s string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("page %d: %v", n, r)
		}
	}()
	return src.PageText(n)
}

// ParseAttributes applies the extractor's rules to text.
func (e *Extractor) ParseAttributes(text string) (Attributes, error) {
	return ParseAttributes(text, e.rules, e.now())
}

// Extract validates data, reads its text and parses attributes, failing
// with ErrTimeout if that takes longer than the configured timeout.
func (e *Extractor) Extract(ctx context.Context, data []byte) (Attributes, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	select {
	case res := <-e.run(data):
		return res.Attributes, res.Err
	case <-ctx.Done():
		e.logger.Warn().Dur("timeout", e.timeout).Msg("document extraction abandoned")
		return Attributes{}, ErrTimeout
	}
}

// Result carries the outcome of ExtractAsync.
type Result struct {
	Attributes Attributes
	Err        error
}

// ExtractAsync runs Extract on a background goroutine. The returned
// channel receives exactly one Result and is then closed.
func (e *Extractor) ExtractAsync(ctx context.Context, data []byte) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		attrs, err := e.Extract(ctx, data)
		out <- Result{Attributes: attrs, Err: err}
	}()
	return out
}

func (e *Extractor) run(data []byte) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		v, text := e.validate(data)
		if !v.OK {
			out <- Result{Err: &InputValidationError{Reason: v.Reason}}
			return
		}
		if len(text.Failed) > 0 {
			e.logger.Warn().Ints("pages", text.Failed).Msg("some pages could not be read")
		}
		attrs, err := e.ParseAttributes(text.String())
		out <- Result{Attributes: attrs, Err: err}
	}()
	return out
}
