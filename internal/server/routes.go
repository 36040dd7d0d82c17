package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/engine/config", s.handleEngineConfigGet)
		r.Post("/engine/config", s.handleEngineConfigPost)
		r.Get("/engine/status", s.handleEngineStatus)
		r.Post("/engine/run", s.handleEngineRun)
		r.Get("/profiles", s.handleProfiles)

		r.Get("/decisions", s.handleDecisionsGet)

		r.Get("/channels", s.handleChannelsGet)
		r.Post("/channels", s.handleChannelsPost)

		r.Get("/transactions", s.handleTransactionsGet)
		r.Get("/transactions/{id}", s.handleTransactionGet)
		r.Post("/transactions/{id}/rollback", s.handleTransactionRollback)
		r.Post("/transactions/{id}/rollback/partial", s.handleTransactionRollbackPartial)

		r.Get("/backups/{channelID}", s.handleBackupLatest)
	})

	r.Get("/ws/events", s.handleEventsWebsocket)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	return r
}
