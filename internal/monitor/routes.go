package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"tailscale.com/tsweb"
)

// Commander sends a raw command to the motion controller. esp.Controller
// satisfies it.
type Commander interface {
	Command(ctx context.Context, cmd string) (string, error)
}

var espCommandTemplate = template.Must(template.New("esp-command").Parse(`<!DOCTYPE html>
<html><head><title>ESP301 command</title></head>
<body>
<h1>ESP301 command</h1>
<form method="POST" action="esp-command">
<input name="command" placeholder="2TP?" autofocus>
<button type="submit">Send</button>
</form>
<p>Queries end in <code>?</code> and show the controller's reply.</p>
</body></html>
`))

// AttachAdminRoutes registers the calibration pages under /debug/. The
// esp-command page is only registered when cmd is non-nil.
func (h *Hub) AttachAdminRoutes(mux *http.ServeMux, cmd Commander) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("calibration", "calibration progress (JSON)", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(h.Snapshot()); err != nil {
			http.Error(w, "Failed to encode snapshot", http.StatusInternalServerError)
		}
	})

	// Server-Sent Events for every title change, evaluation and move.
	debug.HandleSilentFunc("calibration-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := h.Subscribe()
		defer h.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})

	if cmd == nil {
		return
	}
	debug.HandleFunc("esp-command", "send a raw command to the ESP301", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if err := espCommandTemplate.Execute(w, nil); err != nil {
				http.Error(w, "Failed to render template", http.StatusInternalServerError)
			}
		case http.MethodPost:
			command := strings.TrimSpace(r.FormValue("command"))
			if command == "" {
				http.Error(w, "Missing command", http.StatusBadRequest)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			reply, err := cmd.Command(ctx, command)
			if err != nil {
				http.Error(w, fmt.Sprintf("Command %q failed: %v", command, err), http.StatusBadGateway)
				return
			}
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			if reply == "" {
				fmt.Fprintf(w, "Sent %q\n", command)
				return
			}
			fmt.Fprintf(w, "%s -> %s\n", command, reply)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
}
