package main

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/skip2/go-qrcode"

	"spaceship-netsync/netstats"
	"spaceship-netsync/transport"
)

const (
	qrSize      = 256
	maxStatRows = 500
)

func extractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type loginRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token,omitempty"`
	URL   string `json:"url,omitempty"`
	Error string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}

// joinURL is the websocket address a client dials with token.
func joinURL(r *http.Request, publicURL, token string) string {
	base := publicURL
	if base == "" {
		scheme := "ws"
		if r.TLS != nil {
			scheme = "wss"
		}
		base = scheme + "://" + r.Host
	}
	return strings.TrimSuffix(base, "/") + "/ws?token=" + token
}

// SetupRoutes configures HTTP routes
func SetupRoutes(ws *transport.WebSocketServer, auth *transport.Authenticator, db *netstats.DB, publicURL string) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/ws", ws)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, loginResponse{Error: "bad request"})
			return
		}
		token, err := auth.Login(req.Name, req.Password, extractIP(r))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, loginResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, loginResponse{Token: token, URL: joinURL(r, publicURL, token)})
	})

	// QR code carrying a ready-to-dial join URL, for phones
	mux.HandleFunc("/join.png", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		token, err := auth.Login(q.Get("name"), q.Get("password"), extractIP(r))
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		png, err := qrcode.Encode(joinURL(r, publicURL, token), qrcode.Medium, qrSize)
		if err != nil {
			log.Printf("qr encode error: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		w.Write(png)
	})

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		if p := r.URL.Query().Get("peer"); p != "" {
			peer, err := strconv.ParseUint(p, 10, 32)
			if err != nil {
				http.Error(w, "bad peer", http.StatusBadRequest)
				return
			}
			events, err := db.PeerEvents(uint32(peer), maxStatRows)
			if err != nil {
				log.Printf("stats error: %v", err)
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, events)
			return
		}
		counts, err := db.Counts()
		if err != nil {
			log.Printf("stats error: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, counts)
	})

	return mux
}
