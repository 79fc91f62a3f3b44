package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// signatureParams is one parsed Signature-Input member.
type signatureParams struct {
	label      string
	components []string
	values     map[string]string
	raw        string // inner list and parameters as received
}

func (p *signatureParams) covers(component string) bool {
	for _, c := range p.components {
		if c == component {
			return true
		}
	}
	return false
}

// unix reads an integer timestamp parameter.
func (p *signatureParams) unix(name string) (time.Time, bool, error) {
	v, ok := p.values[name]
	if !ok {
		return time.Time{}, false, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%s is not an integer", name)
	}
	return time.Unix(n, 0), true, nil
}

// parseSignatureInput parses `label=("a" "b");k="v";n=1`. Only the first
// member is used; AudioHook sends exactly one.
func parseSignatureInput(header string) (*signatureParams, error) {
	header = strings.TrimSpace(header)

	eq := strings.IndexByte(header, '=')
	if eq <= 0 {
		return nil, errors.New("signature-input has no label")
	}
	label := strings.TrimSpace(header[:eq])
	raw := strings.TrimSpace(header[eq+1:])

	if !strings.HasPrefix(raw, "(") {
		return nil, errors.New("signature-input has no component list")
	}
	end := strings.IndexByte(raw, ')')
	if end < 0 {
		return nil, errors.New("unterminated component list")
	}

	p := &signatureParams{
		label:  label,
		values: make(map[string]string),
		raw:    raw,
	}

	for _, field := range strings.Fields(raw[1:end]) {
		name, err := strconv.Unquote(field)
		if err != nil || name == "" {
			return nil, fmt.Errorf("bad component %s", field)
		}
		p.components = append(p.components, strings.ToLower(name))
	}
	if len(p.components) == 0 {
		return nil, errors.New("empty component list")
	}

	for _, param := range splitParams(raw[end+1:]) {
		k, v, found := strings.Cut(param, "=")
		if !found {
			return nil, fmt.Errorf("bad parameter %q", param)
		}
		if strings.HasPrefix(v, `"`) {
			unq, err := strconv.Unquote(v)
			if err != nil {
				return nil, fmt.Errorf("bad parameter %q", param)
			}
			v = unq
		}
		p.values[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return p, nil
}

// splitParams splits `;a="x;y";b=2` on semicolons outside quotes.
func splitParams(s string) []string {
	var out []string
	var cur strings.Builder
	quoted := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			quoted = !quoted
			cur.WriteByte(c)
		case c == ';' && !quoted:
			if cur.Len() > 0 {
				out = append(out, strings.TrimSpace(cur.String()))
				cur.Reset()
			}
		default:
			cur.WriteByte(c)
		}
	}
	if cur.Len() > 0 {
		out = append(out, strings.TrimSpace(cur.String()))
	}
	return out
}

// parseSignature extracts the byte sequence for label from
// `label=:base64:`.
func parseSignature(header, label string) ([]byte, error) {
	for _, member := range strings.Split(header, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(member), "=")
		if !found || strings.TrimSpace(k) != label {
			continue
		}
		v = strings.TrimSpace(v)
		if len(v) < 2 || v[0] != ':' || v[len(v)-1] != ':' {
			return nil, errors.New("signature is not a byte sequence")
		}
		sig, err := base64.StdEncoding.DecodeString(v[1 : len(v)-1])
		if err != nil {
			return nil, fmt.Errorf("signature is not base64: %w", err)
		}
		return sig, nil
	}
	return nil, fmt.Errorf("no signature for label %s", label)
}
