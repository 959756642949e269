// internal/runtime/googleapi.go — adapts *gmail.Service to our small interface
package runtime

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	gc "github.com/mailduck-io/mailduck/internal/gmail"
)

const (
	callTimeout = 30 * time.Second
	maxAttempts = 4
)

type googleClient struct {
	svc     *gmailv1.Service
	timeout time.Duration
	backoff time.Duration
}

func NewGoogleAPIClient(svc *gmailv1.Service, timeout time.Duration) *googleClient {
	if timeout <= 0 {
		timeout = callTimeout
	}
	return &googleClient{svc: svc, timeout: timeout, backoff: time.Second}
}

func (g *googleClient) List(ctx context.Context, q gc.Query, pageToken string, pageSize int) (gc.ListPage, error) {
	var page gc.ListPage
	err := g.withRetry(ctx, func(ctx context.Context) error {
		call := g.svc.Users.Messages.List("me").MaxResults(int64(pageSize)).IncludeSpamTrash(false)
		if q.Raw != "" {
			call = call.Q(q.Raw)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		res, err := call.Context(ctx).Do()
		if err != nil {
			return err
		}
		page = gc.ListPage{NextPageToken: res.NextPageToken}
		for _, m := range res.Messages {
			page.IDs = append(page.IDs, gc.MessageID(m.Id))
		}
		return nil
	})
	return page, err
}

func (g *googleClient) Fetch(ctx context.Context, id gc.MessageID) (gc.Message, error) {
	var msg gc.Message
	err := g.withRetry(ctx, func(ctx context.Context) error {
		res, err := g.svc.Users.Messages.Get("me", string(id)).Format("full").Context(ctx).Do()
		if err != nil {
			return err
		}
		msg = toMessage(res)
		return nil
	})
	return msg, err
}

func (g *googleClient) FetchMetadata(ctx context.Context, id gc.MessageID) (gc.MessageMeta, error) {
	var meta gc.MessageMeta
	err := g.withRetry(ctx, func(ctx context.Context) error {
		res, err := g.svc.Users.Messages.Get("me", string(id)).Format("metadata").Context(ctx).Do()
		if err != nil {
			return err
		}
		meta = gc.MessageMeta{
			ID:           gc.MessageID(res.Id),
			ThreadID:     res.ThreadId,
			LabelIDs:     toLabelIDs(res.LabelIds),
			InternalDate: time.UnixMilli(res.InternalDate).UTC(),
		}
		return nil
	})
	return meta, err
}

func (g *googleClient) ListLabels(ctx context.Context) (map[gc.LabelID]string, error) {
	byID := map[gc.LabelID]string{}
	err := g.withRetry(ctx, func(ctx context.Context) error {
		lr, err := g.svc.Users.Labels.List("me").Context(ctx).Do()
		if err != nil {
			return err
		}
		for _, l := range lr.Labels {
			byID[gc.LabelID(l.Id)] = l.Name
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return byID, nil
}

// withRetry runs fn with a bounded per-call timeout, retrying transient
// failures with exponential backoff. Anything that escapes here is fatal to
// the caller.
func (g *googleClient) withRetry(ctx context.Context, fn func(context.Context) error) error {
	backoff := g.backoff
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		err = fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isTransient(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

// isTransient separates retryable API failures (rate limits, server hiccups,
// network timeouts) from fatal ones (revoked auth, bad requests).
func isTransient(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable:
			return true
		case http.StatusForbidden:
			for _, item := range gerr.Errors {
				if strings.Contains(item.Reason, "ateLimit") {
					return true
				}
			}
		}
		return false
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func toMessage(res *gmailv1.Message) gc.Message {
	msg := gc.Message{
		ID:           gc.MessageID(res.Id),
		ThreadID:     res.ThreadId,
		LabelIDs:     toLabelIDs(res.LabelIds),
		Headers:      map[string]string{},
		SizeEstimate: res.SizeEstimate,
		InternalDate: time.UnixMilli(res.InternalDate).UTC(),
	}
	if res.Payload != nil {
		for _, hd := range res.Payload.Headers {
			msg.Headers[strings.ToLower(hd.Name)] = hd.Value
		}
		msg.Payload = toPart(res.Payload)
	}
	return msg
}

func toPart(p *gmailv1.MessagePart) gc.Part {
	part := gc.Part{MimeType: p.MimeType}
	if p.Body != nil {
		part.Data = p.Body.Data
	}
	for _, sub := range p.Parts {
		part.Parts = append(part.Parts, toPart(sub))
	}
	return part
}

func toLabelIDs(in []string) []gc.LabelID {
	if len(in) == 0 {
		return nil
	}
	out := make([]gc.LabelID, 0, len(in))
	for _, s := range in {
		out = append(out, gc.LabelID(s))
	}
	return out
}
