package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/justicevae/votewatch/db"
	"github.com/justicevae/votewatch/lock"
	"github.com/justicevae/votewatch/service"
	"github.com/justicevae/votewatch/updater"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	DB        *gorm.DB
	Stores    Stores
	Delegates *service.DelegateService
	Weights   *service.WeightService
	Metrics   *service.MetricsService
	Query     *service.QueryService
	Updater   *updater.Updater
	Lock      *lock.Locker
	Logger    *zap.Logger
	Server    *http.Server
}

// 管理接口直接操作的表
type Stores struct {
	Events    *db.EventStore
	Weights   *db.WeightStore
	Delegates *db.DelegateStore
	Metrics   *db.MetricsStore
}

// Start 阻塞直到 ctx 结束，然后优雅关闭
func (a *App) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("HTTP server listening", zap.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error("Failed to shutdown HTTP server", zap.Error(err))
		return err
	}
	a.Logger.Info("HTTP server stopped")
	return nil
}
