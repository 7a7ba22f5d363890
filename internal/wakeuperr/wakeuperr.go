// Package wakeuperr decodes the error strings produced by the ping gateway.
//
// The gateway reports structured failures as a single string: a fixed
// prefix followed by a JSON document. Everything else is plain text.
package wakeuperr

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ErrorPrefix marks an error string that carries a JSON payload
const ErrorPrefix = "AG_WAKEUP_ERROR_JSON:"

// Kind classifies a structured gateway error
type Kind string

const (
	KindVerificationRequired Kind = "verification_required"
	KindQuota                Kind = "quota"
	KindTemporary            Kind = "temporary"
	KindGeneric              Kind = "generic"
)

// KindForCode maps a gateway status code to an error kind
func KindForCode(code *int64) Kind {
	if code == nil {
		return KindGeneric
	}
	switch *code {
	case 403:
		return KindVerificationRequired
	case 429:
		return KindQuota
	case 4, 8, 13, 14:
		return KindTemporary
	default:
		return KindGeneric
	}
}

func normalizeKind(k Kind) Kind {
	switch k {
	case KindVerificationRequired, KindQuota, KindTemporary, KindGeneric:
		return k
	}
	return KindGeneric
}

// Payload is the JSON document following ErrorPrefix
type Payload struct {
	Version          int    `json:"version"`
	Kind             Kind   `json:"kind"`
	Message          string `json:"message"`
	ErrorCode        *int64 `json:"errorCode,omitempty"`
	ValidationURL    string `json:"validationUrl,omitempty"`
	TrajectoryID     string `json:"trajectoryId,omitempty"`
	ErrorMessageJSON string `json:"errorMessageJson,omitempty"`
	StepJSON         string `json:"stepJson,omitempty"`
}

// Encode renders p in the prefixed wire form. A missing kind is derived
// from the error code.
func Encode(p Payload) string {
	if p.Version == 0 {
		p.Version = 1
	}
	if p.Kind == "" {
		p.Kind = KindForCode(p.ErrorCode)
	}
	data, err := json.Marshal(p)
	if err != nil {
		return p.Message
	}
	return ErrorPrefix + string(data)
}

// Classification is the decoded form of a raw gateway error string
type Classification struct {
	Raw        string
	Structured bool
	Payload    Payload
}

// Classify decodes raw. Strings without the prefix, or whose body is not a
// JSON object, are plain text.
func Classify(raw string) Classification {
	c := Classification{Raw: raw}
	body, ok := strings.CutPrefix(raw, ErrorPrefix)
	if !ok {
		return c
	}
	body = strings.TrimSpace(body)
	if !strings.HasPrefix(body, "{") {
		return c
	}
	var p Payload
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return c
	}
	p.Kind = normalizeKind(p.Kind)
	c.Structured = true
	c.Payload = p
	return c
}

// Kind returns the payload kind, or generic for plain text
func (c Classification) Kind() Kind {
	if !c.Structured {
		return KindGeneric
	}
	return c.Payload.Kind
}

// Message returns the human readable message
func (c Classification) Message() string {
	if c.Structured && strings.TrimSpace(c.Payload.Message) != "" {
		return c.Payload.Message
	}
	if c.Structured {
		return ""
	}
	return c.Raw
}

// Text returns the display text: the payload message when present,
// otherwise the raw string.
func (c Classification) Text() string {
	if c.Structured && strings.TrimSpace(c.Payload.Message) != "" {
		return c.Payload.Message
	}
	return c.Raw
}

// Summary returns the one-line summary shown next to a failed ping
func (c Classification) Summary() string {
	if c.Structured && c.Payload.Kind == KindVerificationRequired {
		code := int64(403)
		if c.Payload.ErrorCode != nil {
			code = *c.Payload.ErrorCode
		}
		return fmt.Sprintf("Error code: %d", code)
	}
	return c.Text()
}

// DebugText assembles the copyable diagnostic block for a failed ping
func (c Classification) DebugText(account, model, prompt string) string {
	var b strings.Builder
	line := func(label, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s: %s\n", label, value)
		}
	}
	line("account", account)
	line("model", model)
	line("prompt", prompt)
	line("kind", string(c.Kind()))
	if c.Structured && c.Payload.ErrorCode != nil {
		line("errorCode", fmt.Sprint(*c.Payload.ErrorCode))
	}
	line("message", c.Text())
	if c.Structured {
		line("validationUrl", c.Payload.ValidationURL)
		line("trajectoryId", c.Payload.TrajectoryID)
		line("errorMessageJson", c.Payload.ErrorMessageJSON)
		line("stepJson", c.Payload.StepJSON)
	} else {
		line("raw", c.Raw)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Detail is one labelled field of a structured error
type Detail struct {
	Label string
	Value string
}

// Details lists the non-empty structured fields for display
func (c Classification) Details() []Detail {
	if !c.Structured {
		return nil
	}
	var out []Detail
	add := func(label, value string) {
		if strings.TrimSpace(value) != "" {
			out = append(out, Detail{Label: label, Value: value})
		}
	}
	if c.Payload.ErrorCode != nil {
		add("errorCode", fmt.Sprint(*c.Payload.ErrorCode))
	}
	add("validationUrl", c.Payload.ValidationURL)
	add("trajectoryId", c.Payload.TrajectoryID)
	add("errorMessageJson", c.Payload.ErrorMessageJSON)
	add("stepJson", c.Payload.StepJSON)
	return out
}
