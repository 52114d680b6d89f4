package basemap

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// ServeHTTP implements http.Handler for the tile proxy.
// Expected path format: /{z}/{x}/{y}.{format}
func (c *Client) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var z, x, y int
	var ext string
	if _, err := fmt.Sscanf(r.URL.Path, "/%d/%d/%d.%s", &z, &x, &y, &ext); err != nil {
		http.Error(w, "invalid tile path", http.StatusBadRequest)
		return
	}
	if err := validTile(z, x, y); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	data, ct, err := c.Fetch(r.Context(), z, x, y)
	if err != nil {
		zap.L().Error("basemap: tile fetch failed", zap.Error(err))
		http.Error(w, "upstream fetch failed", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", ct)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(data)
}
