package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// ContentKeys name fields that may carry proposed step content. Their
// values are replaced by Digest.
var ContentKeys = []string{"content", "patched_content", "step.content", "diff", "prompt", "completion"}

// sensitiveKeys are replaced outright.
var sensitiveKeys = []string{"password", "secret", "token", "api_key", "authorization", "private_key"}

// DefaultRedactPatterns mask credentials inside otherwise loggable values,
// such as a vector error that quotes the offending line.
var DefaultRedactPatterns = []string{
	`AKIA[0-9A-Z]{16}`,
	`gh[pousr]_[A-Za-z0-9]{36,}`,
	`sk-[A-Za-z0-9_-]{20,}`,
	`xox[abpr]-[A-Za-z0-9-]{10,}`,
	`(?i)bearer\s+[A-Za-z0-9._~+/=-]+`,
	`-----BEGIN [A-Z ]*PRIVATE KEY-----`,
	`(?i)(api[_-]?key|secret|password|token)(["']?\s*[:=]\s*["']?)[^\s"',]+`,
}

const masked = "[redacted]"

// Digest describes content by size and a short sha256 prefix, so two log
// lines about the same step content can be matched without the content.
func Digest(content string) string {
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("[%d bytes sha256:%s]", len(content), hex.EncodeToString(sum[:6]))
}

// scrubEncoder rewrites fields before the wrapped encoder sees them.
// EncodeEntry handles per-call fields; the Add methods handle fields bound
// through With.
type scrubEncoder struct {
	zapcore.Encoder
	content   map[string]bool
	sensitive map[string]bool
	patterns  []*regexp.Regexp
}

func newScrubEncoder(base zapcore.Encoder, extra []string) (*scrubEncoder, error) {
	e := &scrubEncoder{
		Encoder:   base,
		content:   make(map[string]bool, len(ContentKeys)),
		sensitive: make(map[string]bool, len(sensitiveKeys)),
	}
	for _, k := range ContentKeys {
		e.content[k] = true
	}
	for _, k := range sensitiveKeys {
		e.sensitive[k] = true
	}
	for _, p := range append(append([]string(nil), DefaultRedactPatterns...), extra...) {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		e.patterns = append(e.patterns, re)
	}
	return e, nil
}

func (e *scrubEncoder) isSensitive(key string) bool {
	k := strings.ToLower(key)
	if i := strings.LastIndexByte(k, '.'); i >= 0 {
		k = k[i+1:]
	}
	return e.sensitive[k]
}

// mask replaces credential matches inside s, keeping the surrounding text.
func (e *scrubEncoder) mask(s string) string {
	for _, re := range e.patterns {
		if re.NumSubexp() >= 2 {
			s = re.ReplaceAllString(s, "${1}${2}"+masked)
			continue
		}
		s = re.ReplaceAllString(s, masked)
	}
	return s
}

func (e *scrubEncoder) scrubString(key, val string) string {
	switch {
	case e.content[key]:
		return Digest(val)
	case e.isSensitive(key):
		return masked
	default:
		return e.mask(val)
	}
}

func (e *scrubEncoder) scrubField(f zapcore.Field) zapcore.Field {
	switch f.Type {
	case zapcore.StringType:
		f.String = e.scrubString(f.Key, f.String)
		return f
	case zapcore.ByteStringType:
		if b, ok := f.Interface.([]byte); ok {
			return zap.String(f.Key, e.scrubString(f.Key, string(b)))
		}
	case zapcore.ErrorType:
		if err, ok := f.Interface.(error); ok {
			return zap.String(f.Key, e.mask(err.Error()))
		}
	case zapcore.StringerType, zapcore.ReflectType:
		if e.content[f.Key] || e.isSensitive(f.Key) {
			return zap.String(f.Key, masked)
		}
	}
	return f
}

func (e *scrubEncoder) scrubFields(fields []zapcore.Field) []zapcore.Field {
	scrubbed := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		scrubbed[i] = e.scrubField(f)
	}
	return scrubbed
}

func (e *scrubEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	ent.Message = e.mask(ent.Message)
	return e.Encoder.EncodeEntry(ent, e.scrubFields(fields))
}

func (e *scrubEncoder) AddString(key, val string) {
	e.Encoder.AddString(key, e.scrubString(key, val))
}

func (e *scrubEncoder) AddByteString(key string, val []byte) {
	e.Encoder.AddString(key, e.scrubString(key, string(val)))
}

func (e *scrubEncoder) AddReflected(key string, val interface{}) error {
	if e.content[key] || e.isSensitive(key) {
		e.Encoder.AddString(key, masked)
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

func (e *scrubEncoder) Clone() zapcore.Encoder {
	return &scrubEncoder{
		Encoder:   e.Encoder.Clone(),
		content:   e.content,
		sensitive: e.sensitive,
		patterns:  e.patterns,
	}
}

// scrubCore applies the encoder's rules to a core that does not encode
// through it, such as the OpenTelemetry bridge.
type scrubCore struct {
	zapcore.Core
	s *scrubEncoder
}

func (c *scrubCore) With(fields []zapcore.Field) zapcore.Core {
	return &scrubCore{Core: c.Core.With(c.s.scrubFields(fields)), s: c.s}
}

func (c *scrubCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *scrubCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	ent.Message = c.s.mask(ent.Message)
	return c.Core.Write(ent, c.s.scrubFields(fields))
}
