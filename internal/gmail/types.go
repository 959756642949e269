// internal/gmail/types.go
package gmail

import "time"

type MessageID string
type LabelID string

type Query struct {
	Raw string // Gmail query string, already formed (e.g., `after:1726440000`)
}

// ListPage is one page of a message listing.
type ListPage struct {
	IDs           []MessageID
	NextPageToken string
}

// Part mirrors one node of a message's MIME part tree.
// Data carries the base64url payload exactly as the API returns it.
type Part struct {
	MimeType string
	Data     string
	Parts    []Part
}

// Message is the full representation returned by a format=full fetch.
type Message struct {
	ID           MessageID
	ThreadID     string
	LabelIDs     []LabelID
	Headers      map[string]string // lowercased header names: from, to, subject, date, etc.
	SizeEstimate int64
	InternalDate time.Time
	Payload      Part
}

// MessageMeta is the light representation returned by a format=metadata
// fetch. It carries everything a metadata-only refresh needs.
type MessageMeta struct {
	ID           MessageID
	ThreadID     string
	LabelIDs     []LabelID
	InternalDate time.Time
}
