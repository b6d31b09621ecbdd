package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/surfskatehalle/booking/libs/locale"
)

type localeBody struct {
	Locale string `json:"locale"`
	Stored bool   `json:"stored"`
}

// Locale reads (GET) or updates (PUT) the caller's display language.
func (h *Handler) Locale(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		lang, stored, err := h.prefs.Get(r.Context(), p.UserID)
		if err != nil {
			h.logger.Warn("locale preference lookup failed", "user_id", p.UserID, "err", err)
			lang = locale.Negotiate(r.Header.Get("Accept-Language"))
		} else if !stored {
			lang = locale.Negotiate(r.Header.Get("Accept-Language"))
		}
		writeJSON(w, http.StatusOK, localeBody{Locale: string(lang), Stored: stored})

	case http.MethodPut:
		var req localeBody
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
		lang, err := locale.Parse(req.Locale)
		if err != nil {
			http.Error(w, "locale must be de or en", http.StatusBadRequest)
			return
		}
		if err := h.prefs.Set(r.Context(), p.UserID, lang); err != nil {
			h.logger.Error("locale preference update failed", "user_id", p.UserID, "err", err)
			http.Error(w, "failed to store locale", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, localeBody{Locale: string(lang), Stored: true})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}
