package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sugawarayuuta/sonnet"
	"go.uber.org/zap"
)

type Controller struct {
	App *App
}

func NewController(app *App) *Controller {
	return &Controller{App: app}
}

// NewRouter 注册全部路由
func (c *Controller) NewRouter() (*mux.Router, error) {
	r := mux.NewRouter()

	r.Handle("/health", http.HandlerFunc(c.HandleHealth)).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/metrics", c.HandleMetrics).Methods("GET")
	api.HandleFunc("/delegates", c.HandleDelegates).Methods("GET")
	api.HandleFunc("/delegates/{address}", c.HandleDelegate).Methods("GET")
	api.HandleFunc("/weights/mismatches", c.HandleMismatches).Methods("GET")
	api.HandleFunc("/weights/refresh", c.HandleRefreshWeights).Methods("POST")
	api.HandleFunc("/update", c.HandleUpdateStatus).Methods("GET")
	api.HandleFunc("/update", c.HandleTriggerUpdate).Methods("POST")
	api.HandleFunc("/update/steps/{step}", c.HandleRunStep).Methods("POST")
	api.HandleFunc("/update/lock", c.HandleReleaseLock).Methods("DELETE")
	api.HandleFunc("/events", c.HandleClearEvents).Methods("DELETE")
	api.HandleFunc("/data", c.HandleReset).Methods("DELETE")

	return r, nil
}

func (c *Controller) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	body, err := sonnet.Marshal(data)
	if err != nil {
		c.App.Logger.Error("Failed to encode response", zap.Error(err))
		http.Error(w, `{"error":"encode failed"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(append(body, '\n'))
}

func (c *Controller) writeError(w http.ResponseWriter, statusCode int, message string) {
	c.writeJSON(w, statusCode, map[string]string{"error": message})
}

// 内部错误只记日志，不回传细节
func (c *Controller) internalError(w http.ResponseWriter, op string, err error) {
	c.App.Logger.Error("Request failed", zap.String("op", op), zap.Error(err))
	c.writeError(w, http.StatusInternalServerError, op+" failed")
}

// ensureIdle 有流水线在写表时拒绝管理写操作
func (c *Controller) ensureIdle(w http.ResponseWriter, r *http.Request) bool {
	holder, busy, err := c.App.Updater.ActiveHolder(r.Context())
	if err != nil {
		c.internalError(w, "lock status", err)
		return false
	}
	if !busy {
		return true
	}

	body := map[string]string{"error": "update in progress"}
	if holder != nil {
		body["step"] = holder.Step
		body["instance"] = holder.Instance
	}
	c.writeJSON(w, http.StatusConflict, body)
	return false
}
