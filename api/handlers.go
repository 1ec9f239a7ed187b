package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"

	"github.com/justicevae/votewatch/updater"
)

func (c *Controller) HandleHealth(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := c.App.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		c.App.Logger.Warn("Health check failed")
		c.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	c.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleMetrics 最新快照，附带年龄与是否过期
func (c *Controller) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := c.App.Metrics.Latest(r.Context())
	if err != nil {
		c.internalError(w, "metrics", err)
		return
	}
	if snap == nil {
		c.writeError(w, http.StatusNotFound, "no metrics yet")
		return
	}
	c.writeJSON(w, http.StatusOK, snap)
}

func (c *Controller) HandleDelegates(w http.ResponseWriter, r *http.Request) {
	entries, err := c.App.Query.Leaderboard(r.Context())
	if err != nil {
		c.internalError(w, "leaderboard", err)
		return
	}
	c.writeJSON(w, http.StatusOK, entries)
}

func (c *Controller) HandleDelegate(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	if !common.IsHexAddress(address) {
		c.writeError(w, http.StatusBadRequest, "invalid address")
		return
	}

	res, err := c.App.Query.InspectAddress(r.Context(), strings.ToLower(common.HexToAddress(address).Hex()))
	if err != nil {
		c.internalError(w, "inspect", err)
		return
	}
	c.writeJSON(w, http.StatusOK, res)
}

func (c *Controller) HandleMismatches(w http.ResponseWriter, r *http.Request) {
	res, err := c.App.Weights.InspectWeights(r.Context())
	if err != nil {
		c.internalError(w, "inspect weights", err)
		return
	}
	c.writeJSON(w, http.StatusOK, res)
}

// HandleRefreshWeights 全量链上读取，耗时较长
func (c *Controller) HandleRefreshWeights(w http.ResponseWriter, r *http.Request) {
	if !c.ensureIdle(w, r) {
		return
	}
	n, err := c.App.Weights.FetchOnChainWeights(r.Context())
	if err != nil {
		c.internalError(w, "refresh weights", err)
		return
	}
	c.writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}

func (c *Controller) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	report, err := c.App.Updater.Status(r.Context())
	if err != nil {
		c.internalError(w, "update status", err)
		return
	}
	c.writeJSON(w, http.StatusOK, report)
}

func (c *Controller) HandleTriggerUpdate(w http.ResponseWriter, r *http.Request) {
	res := c.App.Updater.Trigger(r.Context())

	status := http.StatusOK
	switch res.Outcome {
	case updater.OutcomeStarted:
		status = http.StatusAccepted
	case updater.OutcomeLocked:
		status = http.StatusConflict
	case updater.OutcomeFailed:
		status = http.StatusInternalServerError
	}
	c.writeJSON(w, status, res)
}

// HandleRunStep 同步执行单个步骤，流水线运行期间拒绝
func (c *Controller) HandleRunStep(w http.ResponseWriter, r *http.Request) {
	step, err := updater.ParseStep(mux.Vars(r)["step"])
	if err != nil {
		c.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !c.ensureIdle(w, r) {
		return
	}

	out, err := c.App.Updater.RunStep(r.Context(), step)
	if err != nil {
		if errors.Is(err, updater.ErrUnknownStep) {
			c.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		c.internalError(w, step.String(), err)
		return
	}
	c.writeJSON(w, http.StatusOK, map[string]interface{}{"step": step.String(), "result": out})
}

func (c *Controller) HandleClearEvents(w http.ResponseWriter, r *http.Request) {
	if !c.ensureIdle(w, r) {
		return
	}
	if err := c.App.Stores.Events.Clear(r.Context()); err != nil {
		c.internalError(w, "clear events", err)
		return
	}
	c.App.Logger.Info("Event store cleared")
	c.writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

// HandleReset 清空全部表，下一次更新从头同步
func (c *Controller) HandleReset(w http.ResponseWriter, r *http.Request) {
	if !c.ensureIdle(w, r) {
		return
	}
	ctx := r.Context()
	stores := c.App.Stores
	clears := []struct {
		name  string
		clear func(context.Context) error
	}{
		{"events", stores.Events.Clear},
		{"weights", stores.Weights.Clear},
		{"delegates", stores.Delegates.Clear},
		{"metrics", stores.Metrics.Clear},
	}
	for _, t := range clears {
		if err := t.clear(ctx); err != nil {
			c.internalError(w, "clear "+t.name, err)
			return
		}
	}
	c.App.Delegates.Invalidate()

	c.App.Logger.Warn("All data cleared")
	c.writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

// HandleReleaseLock 运维手动释放，正常流程依赖过期
func (c *Controller) HandleReleaseLock(w http.ResponseWriter, r *http.Request) {
	if err := c.App.Lock.Release(r.Context()); err != nil {
		c.internalError(w, "release lock", err)
		return
	}
	c.writeJSON(w, http.StatusOK, map[string]bool{"released": true})
}
