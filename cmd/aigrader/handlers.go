package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"ai-grader/config"
	"ai-grader/core"
	"ai-grader/models"
	"ai-grader/workflow"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 鉴权由 AuthMiddleware 负责
	CheckOrigin: func(r *http.Request) bool { return true },
}

// setupRouter 注册全部路由；返回的 limiter 需要在退出时 Stop
func setupRouter(manager *workflow.Manager, sc config.ServerConfig, log *logrus.Logger) (*gin.Engine, *IPRateLimiter) {
	engine := gin.New()
	engine.Use(gin.RecoveryWithWriter(log.Writer()))
	engine.Use(corsMiddleware())

	// 公开路由 - 无需鉴权
	engine.GET("/health", handleHealth(manager))
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(core.MetricsRegistry, promhttp.HandlerOpts{})))

	var limiter *IPRateLimiter
	if sc.RateLimitRPS > 0 {
		burst := sc.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = NewIPRateLimiter(rate.Limit(sc.RateLimitRPS), burst)
	}

	v1 := engine.Group("/v1")
	v1.Use(requestLoggerMiddleware(log), AuthMiddleware(sc.Token), RateLimitMiddleware(limiter, log))
	{
		v1.POST("/runs/grading", handleStartGrading(manager))
		v1.POST("/runs/conversion", handleStartConversion(manager))
		v1.POST("/runs/plagiarism", handleStartPlagiarism(manager))
		v1.GET("/runs", handleListRuns(manager))
		v1.GET("/runs/:id", handleGetRun(manager))
		v1.DELETE("/runs/:id", handleCancelRun(manager))
		v1.GET("/runs/:id/events", handleRunEvents(manager, log))
	}
	return engine, limiter
}

func errorJSON(c *gin.Context, status int, errType, message string) {
	c.JSON(status, models.ErrorResponse{Error: models.ErrorDetail{Message: message, Type: errType}})
}

func handleHealth(manager *workflow.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, models.HealthResponse{
			Status:     "ok",
			Service:    "aigrader",
			ActiveRuns: manager.Active(),
			Timestamp:  time.Now().Unix(),
		})
	}
}

func startRun(c *gin.Context, manager *workflow.Manager, job workflow.Job) {
	run, err := manager.Start(job)
	if err != nil {
		c.Error(err)
		errorJSON(c, http.StatusInternalServerError, "server_error", "Failed to start run")
		return
	}
	c.JSON(http.StatusAccepted, models.NewSuccessResponse("Run started", run))
}

func handleStartGrading(manager *workflow.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.GradingRunRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			errorJSON(c, http.StatusBadRequest, "invalid_request_error", err.Error())
			return
		}
		startRun(c, manager, workflow.GradingJob(manager.Settings(), workflow.GradingParams{
			QuestionsPath:       req.QuestionsPath,
			GradingCriteriaPath: req.GradingCriteriaPath,
			OutputFormatPath:    req.OutputFormatPath,
			HomeworkDataPath:    req.HomeworkDataPath,
			StudentsDataPath:    req.StudentsDataPath,
			OutputDir:           req.OutputDir,
			QuestionCount:       req.QuestionCount,
		}))
	}
}

func handleStartConversion(manager *workflow.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.ConversionRunRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			errorJSON(c, http.StatusBadRequest, "invalid_request_error", err.Error())
			return
		}
		startRun(c, manager, workflow.ConversionJob(manager.Settings(), workflow.ConversionParams{
			Documents: req.Documents,
			OutputDir: req.OutputDir,
		}))
	}
}

func handleStartPlagiarism(manager *workflow.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.PlagiarismRunRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			errorJSON(c, http.StatusBadRequest, "invalid_request_error", err.Error())
			return
		}
		startRun(c, manager, workflow.PlagiarismJob(manager.Settings(), workflow.PlagiarismParams{
			HomeworkDataPath: req.HomeworkDataPath,
			StudentsDataPath: req.StudentsDataPath,
			QuestionsPath:    req.QuestionsPath,
			QuestionCount:    req.QuestionCount,
			Categories:       req.Categories,
			Threshold:        req.Threshold,
			OutputDir:        req.OutputDir,
		}))
	}
}

func handleListRuns(manager *workflow.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		runs, err := manager.List(limit)
		if err != nil {
			c.Error(err)
			errorJSON(c, http.StatusInternalServerError, "server_error", "Failed to list runs")
			return
		}
		c.JSON(http.StatusOK, models.NewSuccessResponse("OK", runs))
	}
}

func handleGetRun(manager *workflow.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		run, err := manager.Get(c.Param("id"))
		if errors.Is(err, workflow.ErrRunNotFound) {
			errorJSON(c, http.StatusNotFound, "not_found_error", "Run not found")
			return
		}
		if err != nil {
			c.Error(err)
			errorJSON(c, http.StatusInternalServerError, "server_error", "Failed to load run")
			return
		}
		c.JSON(http.StatusOK, models.NewSuccessResponse("OK", run))
	}
}

func handleCancelRun(manager *workflow.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !manager.Cancel(c.Param("id")) {
			errorJSON(c, http.StatusNotFound, "not_found_error", "Run is not active")
			return
		}
		c.JSON(http.StatusAccepted, models.NewSuccessResponse("Run cancelling", gin.H{"id": c.Param("id")}))
	}
}

// finalEvent 由运行记录构造结束事件
func finalEvent(run *models.Run) workflow.Event {
	ev := workflow.Event{
		RunID:     run.ID,
		Type:      workflow.EventFinished,
		Kind:      run.Kind,
		Detail:    run.Summary,
		Completed: run.Completed,
		Skipped:   run.Skipped,
		RunStatus: run.Status,
		Time:      time.Now(),
	}
	if run.Error != "" {
		ev.Detail = run.Error
	}
	return ev
}

// handleRunEvents 通过 WebSocket 推送运行进度，运行结束后关闭连接
func handleRunEvents(manager *workflow.Manager, log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		// 先订阅再查询，避免错过结束事件
		events, unsubscribe := manager.Hub().Subscribe(id)
		defer unsubscribe()

		run, err := manager.Get(id)
		if errors.Is(err, workflow.ErrRunNotFound) {
			errorJSON(c, http.StatusNotFound, "not_found_error", "Run not found")
			return
		}
		if err != nil {
			c.Error(err)
			errorJSON(c, http.StatusInternalServerError, "server_error", "Failed to load run")
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.WithField("run_id", id).Warnf("WebSocket upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		// 读循环只用于感知客户端断开
		closed := make(chan struct{})
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		write := func(ev workflow.Event) error {
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			return conn.WriteJSON(ev)
		}

		if run.Status != models.RunStatusRunning {
			write(finalEvent(run))
			closeSocket(conn)
			return
		}

		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					// 订阅在结束事件之前被关闭时，补发最终状态
					if latest, err := manager.Get(id); err == nil && latest.Status != models.RunStatusRunning {
						write(finalEvent(latest))
					}
					closeSocket(conn)
					return
				}
				if err := write(ev); err != nil {
					return
				}
				if ev.Type == workflow.EventFinished {
					closeSocket(conn)
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-closed:
				return
			}
		}
	}
}

func closeSocket(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
