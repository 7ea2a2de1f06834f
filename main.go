package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"parcelserver/server"
)

// 入口：拉取地块描述，启动 WebSocket 会话服务
func main() {
	var (
		cfgPath  string
		parcelID string
		port     int
	)
	flag.StringVar(&cfgPath, "config", "", "path to parcel.yaml")
	flag.StringVar(&parcelID, "parcel", "", "parcel id (overrides config and PARCEL_ID)")
	flag.IntVar(&port, "port", 0, "listen port (default: $PORT or 3800)")
	flag.Parse()

	cfg, err := server.LoadConfig(cfgPath, func(c *server.Config) {
		if parcelID != "" {
			c.ParcelID = parcelID
		}
		if port > 0 {
			c.Port = port
		}
	})
	if err != nil {
		panic(err)
	}

	if err := server.InitLogger(cfg.LogFile, cfg.Debug); err != nil {
		panic(err)
	}
	defer server.SyncLogger()

	var cache *server.ParcelCache
	if cfg.CachePath != "" {
		cache, err = server.OpenParcelCache(cfg.CachePath)
		if err != nil {
			server.Log.Warnf("parcel cache disabled: %v", err)
		} else {
			defer cache.Close()
		}
	}

	svc, err := server.NewParcelService(cfg, server.ServiceOptions{Cache: cache})
	if err != nil {
		server.Log.Fatalf("parcel service: %v", err)
	}

	// 拉取失败不影响会话服务，地块保持为空或使用缓存
	if err := svc.Fetch(context.Background()); err != nil && cache != nil {
		if err := svc.LoadCached(context.Background()); err != nil {
			server.Log.Warnf("no cached parcel: %v", err)
		}
	}

	bound, err := svc.Listen(cfg.Port)
	if err != nil {
		server.Log.Fatalf("listen: %v", err)
	}
	server.Log.Infof("parcel %s serving on ws://localhost:%d/ws", svc.ID(), bound)

	// 优雅退出（Ctrl+C）
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	server.Log.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = svc.Shutdown(ctx)
}
