package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/traveler/internal/stage"
)

func handleListStages(table *stage.Table) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stages := table.Stages()
		if track := r.URL.Query().Get("track"); track != "" {
			filtered := stages[:0]
			for _, s := range stages {
				if s.Track == track {
					filtered = append(filtered, s)
				}
			}
			stages = filtered
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"version":  table.Version(),
			"checksum": table.Checksum(),
			"data":     stages,
		})
	}
}

func handleGetStage(table *stage.Table) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := table.Lookup(chi.URLParam(r, "stageId"))
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, s)
	}
}

func handleListTracks(table *stage.Table) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"data": table.Tracks()})
	}
}
