// internal/runtime/auth.go
package runtime

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/mbrt/gmailctl/cmd/gmailctl/localcred"
	gmailv1 "google.golang.org/api/gmail/v1"

	gc "github.com/mailduck-io/mailduck/internal/gmail"
)

// NewGmailClient authenticates against Gmail with readonly scope. Tokens and
// client credentials live under dataDir, alongside the replica database.
func NewGmailClient(ctx context.Context, dataDir string, timeout time.Duration) (gc.Client, error) {
	svc, err := (localcred.Provider{}).ServiceWithScopes(ctx, dataDir, gmailv1.GmailReadonlyScope)
	if err != nil {
		return nil, err
	}
	return NewGoogleAPIClient(svc, timeout), nil
}

func DefaultLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}
