package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/sessiond/internal/events"
	"github.com/kalambet/sessiond/internal/ingest"
	"github.com/kalambet/sessiond/internal/notify"
	"github.com/kalambet/sessiond/internal/storage"
)

const defaultMaxBodyBytes = 10 << 20 // 10MB

// Ingester runs file ingestion.
type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) (*ingest.Result, error)
}

// EventApplier reconciles event batches.
type EventApplier interface {
	Apply(ctx context.Context, batch events.Batch) (events.ApplyResult, error)
}

type AppDeps struct {
	Store      *storage.Store
	Ingester   Ingester
	Reconciler EventApplier
	Hub        *notify.Hub // optional; /v1/stream answers 503 without it
	Token      string
	// UploadDir receives files posted to /v1/ingest.
	UploadDir    string
	MaxBodyBytes int64
}

// NewAppHandler returns the HTTP API. /health is unauthenticated; every
// /v1 route requires the bearer token.
func NewAppHandler(deps AppDeps) http.Handler {
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = defaultMaxBodyBytes
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/events", handleEvents(deps))
		r.Post("/ingest", handleUpload(deps))
		r.Get("/ingestion-jobs", handleListJobs(deps))
		r.Get("/ingestion-jobs/{id}", handleGetJob(deps))
		r.Get("/conversations", handleListConversations(deps))
		r.Get("/conversations/{id}", handleGetConversation(deps))
		r.Get("/conversations/{id}/messages", handleListMessages(deps))
		r.Get("/stream", handleStream(deps))
	})

	return r
}
