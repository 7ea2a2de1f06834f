package server

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Handler 组装 HTTP 路由
func (s *ParcelService) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", newWSHandler(s.hub, s.cfg))
	mux.HandleFunc("/parcel", s.handleParcel)
	mux.HandleFunc("/parcel/voxel", s.handleVoxel)
	mux.HandleFunc("/players", s.handlePlayers)
	mux.HandleFunc("/admin/config", s.handleAdminConfig)
	mux.HandleFunc("/admin/refetch", s.handleRefetch)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleParcel GET /parcel 返回元数据、要素与体素摘要
func (s *ParcelService) handleParcel(w http.ResponseWriter, r *http.Request) {
	p := s.Current()
	field := map[string]any{
		"count":  p.Field.Len(),
		"digest": p.Field.Digest(),
	}
	if lo, hi, ok := p.Field.Bounds(); ok {
		field["min"] = [3]int{lo.X, lo.Y, lo.Z}
		field["max"] = [3]int{hi.X, hi.Y, hi.Z}
	}
	var fetchedAt any
	if !p.FetchedAt.IsZero() {
		fetchedAt = p.FetchedAt
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        p.ID,
		"meta":      p.Meta,
		"features":  p.Catalog.All(),
		"field":     field,
		"skipped":   len(p.Skipped),
		"fetchedAt": fetchedAt,
	})
}

// handleVoxel GET /parcel/voxel?x=0&y=0&z=0
func (s *ParcelService) handleVoxel(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var xyz [3]int
	for i, k := range []string{"x", "y", "z"} {
		v, err := strconv.Atoi(q.Get(k))
		if err != nil {
			http.Error(w, "invalid "+k, http.StatusBadRequest)
			return
		}
		xyz[i] = v
	}
	content, ok := s.Current().Field.Get(xyz[0], xyz[1], xyz[2])
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"position": xyz, "empty": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"position": xyz, "content": content})
}

func (s *ParcelService) handlePlayers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"players": s.hub.Players()})
}

// handleAdminConfig 读取与更新会话广播策略
// GET  /admin/config  返回当前配置
// POST /admin/config  以 JSON 载荷更新部分字段
func (s *ParcelService) handleAdminConfig(w http.ResponseWriter, r *http.Request) {
	type cfg struct {
		ExcludeOrigin *bool `json:"excludeOrigin,omitempty"`
	}
	switch r.Method {
	case http.MethodGet:
		v := s.hub.ExcludeOrigin()
		writeJSON(w, http.StatusOK, cfg{ExcludeOrigin: &v})
	case http.MethodPost:
		var body cfg
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if body.ExcludeOrigin != nil {
			s.hub.SetExcludeOrigin(*body.ExcludeOrigin)
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		Log.Infof("config updated: parcel=%s excludeOrigin=%v", s.cfg.ParcelID, s.hub.ExcludeOrigin())
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRefetch POST /admin/refetch 重新拉取地块
func (s *ParcelService) handleRefetch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.Fetch(r.Context()); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	p := s.Current()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "features": p.Catalog.Len(), "digest": p.Field.Digest()})
}

// handleMetrics 输出会话层运行指标
func (s *ParcelService) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"parcel":      s.cfg.ParcelID,
		"connections": s.hub.Connections(),
		"players":     s.registry.Len(),
		"metrics":     s.metrics.Snapshot(),
	})
}
