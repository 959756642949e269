package gmail

import "context"

// Client is the narrow Gmail surface required by mailduck.
type Client interface {
	List(ctx context.Context, q Query, pageToken string, pageSize int) (ListPage, error)
	Fetch(ctx context.Context, id MessageID) (Message, error)
	FetchMetadata(ctx context.Context, id MessageID) (MessageMeta, error)
	ListLabels(ctx context.Context) (map[LabelID]string, error)
}
