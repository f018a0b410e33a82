package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"ai-grader/config"
	"ai-grader/core"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (start runs, query runs, live progress over WebSocket)",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 0, "Listen port (default: server.port)")
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	if os.Getenv("GIN_MODE") != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine, limiter := setupRouter(a.manager, a.cfg.Server, a.log)
	if limiter != nil {
		defer limiter.Stop()
	}

	port, _ := cmd.Flags().GetInt("port")
	if port == 0 {
		port = a.cfg.Server.Port
	}
	addr, err := listenAddr(a.cfg.Server, port)
	if err != nil {
		return err
	}
	if a.cfg.Server.Token == "" {
		a.log.Warn("server.token not set, accepting local requests only")
	}

	server := &http.Server{
		Addr:    addr,
		Handler: engine,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Infof("Starting aigrader API on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// 等待中断信号以优雅地关闭服务器
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	}
	a.log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		a.log.Errorf("Server forced to shutdown: %v", err)
	}
	// 正在执行的工作流被取消，已完成的单元已经落盘
	if err := a.manager.Shutdown(ctx); err != nil {
		a.log.Errorf("Runs did not stop in time: %v", err)
	}
	a.log.Info("Server exited")
	return nil
}

// listenAddr 没有 token 时只允许监听回环地址
func listenAddr(sc config.ServerConfig, port int) (string, error) {
	host := sc.Host
	if sc.Token == "" {
		if host == "" {
			host = "127.0.0.1"
		} else if !isLoopbackHost(host) {
			return "", &core.ConfigurationError{Reason: fmt.Sprintf("server.token is required to listen on %q", host)}
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
