package api

import (
	"net/http"

	"goji.io"
	"goji.io/pat"
)

const noRobot = "No robots available. Please create a robot first."

var legacyRoutes = []struct {
	method string
	name   string
}{
	{http.MethodPost, "spawn"},
	{http.MethodPost, "destroy_vehicle"},
	{http.MethodPost, "start_drive"},
	{http.MethodPost, "stop_drive"},
	{http.MethodPost, "start_telemetry"},
	{http.MethodPost, "stop_telemetry"},
	{http.MethodGet, "stream_data"},
	{http.MethodPost, "attach_camera"},
	{http.MethodPost, "detach_camera"},
	{http.MethodPost, "start_streaming"},
	{http.MethodPost, "stop_streaming"},
	{http.MethodGet, "video_feed"},
	{http.MethodPost, "start_detection"},
	{http.MethodPost, "stop_detection"},
}

// installLegacy routes robot-less paths to the first registered robot
func (s *Server) installLegacy(mux *goji.Mux) {
	for _, route := range legacyRoutes {
		name := route.name
		handler := func(w http.ResponseWriter, r *http.Request) {
			robotID, err := s.reg.First()
			if err != nil {
				writeError(w, http.StatusNotFound, noRobot)
				return
			}
			target := "/robots/" + robotID + "/" + name
			if r.URL.RawQuery != "" {
				target += "?" + r.URL.RawQuery
			}
			http.Redirect(w, r, target, http.StatusTemporaryRedirect)
		}
		switch route.method {
		case http.MethodGet:
			mux.HandleFunc(pat.Get("/"+name), handler)
		default:
			mux.HandleFunc(pat.Post("/"+name), handler)
		}
	}
}

func (s *Server) activeRobot(w http.ResponseWriter, _ *http.Request) {
	robotID, err := s.reg.First()
	if err != nil {
		writeError(w, http.StatusNotFound, "No robots available")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(robotID))
}
