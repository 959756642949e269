// Package message defines the typed row shape stored in the replica and the
// strict mapping boundary from raw Gmail API messages onto it.
package message

import (
	"encoding/base64"
	"errors"
	"fmt"
	"html"
	"net/mail"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/mailduck-io/mailduck/internal/gmail"
)

// ErrMalformed marks a remote message that cannot be mapped (missing
// required fields). Callers skip the one message and continue.
var ErrMalformed = errors.New("malformed message")

// Address is a parsed mailbox participant.
type Address struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Recipients groups the destination headers.
type Recipients struct {
	To  []Address `json:"to"`
	Cc  []Address `json:"cc"`
	Bcc []Address `json:"bcc"`
}

// Message is one mailbox row. ID is the immutable Gmail message ID and the
// primary key of the replica.
type Message struct {
	ID          string
	ThreadID    string
	Sender      Address
	Recipients  Recipients
	Labels      []string
	Subject     string
	Body        string
	Size        int64
	Timestamp   time.Time
	IsRead      bool
	IsOutgoing  bool
	LastIndexed time.Time
}

var stripTags = bluemonday.StrictPolicy()

// Parse maps a raw Gmail message onto the replica row shape. Pure: repeated
// calls over the same input yield field-identical results.
func Parse(raw gmail.Message, labels map[gmail.LabelID]string) (Message, error) {
	if raw.ID == "" {
		return Message{}, fmt.Errorf("missing message id: %w", ErrMalformed)
	}
	if len(raw.Headers) == 0 {
		return Message{}, fmt.Errorf("message %s has no headers: %w", raw.ID, ErrMalformed)
	}

	msg := Message{
		ID:       string(raw.ID),
		ThreadID: raw.ThreadID,
		Size:     raw.SizeEstimate,
		Subject:  raw.Headers["subject"],
	}

	msg.Sender = parseOne(raw.Headers["from"])
	msg.Recipients = Recipients{
		To:  parseList(raw.Headers["to"]),
		Cc:  parseList(raw.Headers["cc"]),
		Bcc: parseList(raw.Headers["bcc"]),
	}

	msg.Timestamp = raw.InternalDate
	if d, err := mail.ParseDate(raw.Headers["date"]); err == nil {
		msg.Timestamp = d.UTC()
	}

	msg.Labels = ResolveLabels(raw.LabelIDs, labels)
	msg.IsRead = IsRead(raw.LabelIDs)
	msg.IsOutgoing = hasLabel(raw.LabelIDs, "SENT")

	msg.Body = extractBody(raw.Payload)
	return msg, nil
}

func parseOne(s string) Address {
	if strings.TrimSpace(s) == "" {
		return Address{}
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		// keep whatever was there; analysis beats strictness for one header
		return Address{Email: strings.ToLower(strings.TrimSpace(s))}
	}
	return Address{Name: addr.Name, Email: strings.ToLower(addr.Address)}
}

func parseList(s string) []Address {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	addrs, err := mail.ParseAddressList(s)
	if err != nil {
		// fall back to naive splitting so partially bad headers still index
		var out []Address
		for _, part := range strings.Split(s, ",") {
			if a := parseOne(part); a.Email != "" {
				out = append(out, a)
			}
		}
		return out
	}
	out := make([]Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, Address{Name: a.Name, Email: strings.ToLower(a.Address)})
	}
	return out
}

// ResolveLabels maps label IDs to display names, falling back to the raw ID
// for labels deleted remotely since the map was fetched.
func ResolveLabels(ids []gmail.LabelID, names map[gmail.LabelID]string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if name, ok := names[id]; ok {
			out = append(out, name)
		} else {
			out = append(out, string(id))
		}
	}
	return out
}

// IsRead reports the read flag implied by the UNREAD system label.
func IsRead(ids []gmail.LabelID) bool {
	return !hasLabel(ids, "UNREAD")
}

func hasLabel(ids []gmail.LabelID, want gmail.LabelID) bool {
	for _, id := range ids {
		if id == want {
			return true
		}
	}
	return false
}

// extractBody walks the MIME part tree for the first decodable text part and
// returns it as plain text.
func extractBody(payload gmail.Part) string {
	if payload.Data != "" {
		if text, ok := decodePart(payload.Data); ok {
			return htmlToText(text)
		}
		return ""
	}
	for _, part := range payload.Parts {
		switch part.MimeType {
		case "text/plain", "text/html", "multipart/related", "multipart/alternative":
			if body := decodeTree(part); body != "" {
				return htmlToText(body)
			}
		}
	}
	return ""
}

func decodeTree(part gmail.Part) string {
	if part.Data != "" {
		if text, ok := decodePart(part.Data); ok {
			return text
		}
		return ""
	}
	for _, sub := range part.Parts {
		if body := decodeTree(sub); body != "" {
			return body
		}
	}
	return ""
}

// decodePart decodes a base64url body. The API emits unpadded data but some
// proxies re-pad it, so try both alphabets.
func decodePart(data string) (string, bool) {
	b, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		b, err = base64.URLEncoding.DecodeString(data)
	}
	if err != nil {
		return "", false
	}
	return string(b), true
}

func htmlToText(s string) string {
	return strings.TrimSpace(html.UnescapeString(stripTags.Sanitize(s)))
}
