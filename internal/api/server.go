package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"PhonePilot/internal/auth"
	"PhonePilot/internal/device"
	xerrors "PhonePilot/internal/errors"
	"PhonePilot/internal/observability/metrics"
	"PhonePilot/internal/run"
	"PhonePilot/internal/transcript"
)

// Config 描述 API 服务的依赖。
type Config struct {
	Addr string
	// TranscriptDir 非空时开放轨迹查询接口。
	TranscriptDir string
}

// Server 暴露 REST 接口，供外部提交运行、查询状态与提交人工决策。
type Server struct {
	addr          string
	transcriptDir string
	runs          *run.Service
	gates         *run.GateRegistry
	devices       *device.Manager
	auth          *auth.Service
}

// NewServer 构造 API 服务实例。
func NewServer(cfg Config, runs *run.Service, gates *run.GateRegistry, devices *device.Manager, authSvc *auth.Service) *Server {
	return &Server{
		addr:          cfg.Addr,
		transcriptDir: cfg.TranscriptDir,
		runs:          runs,
		gates:         gates,
		devices:       devices,
		auth:          authSvc,
	}
}

// Handler 返回完整的路由处理器，便于测试直接调用。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	runPerms := auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodPost: {auth.PermRunsSubmit},
			http.MethodGet:  {auth.PermRunsRead},
		},
	}
	gatePerms := auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodPost: {auth.PermGatesResolve},
			http.MethodGet:  {auth.PermRunsRead},
		},
	}
	devicePerms := auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodGet: {auth.PermDevicesRead},
		},
	}

	mux.HandleFunc("/api/v1/auth/token", s.handleToken)
	mux.Handle("/api/v1/runs", s.guard(runPerms, s.handleRuns))
	mux.Handle("/api/v1/runs/stats", s.guard(runPerms, s.handleStats))
	mux.Handle("/api/v1/runs/", s.guard(gatePerms, s.handleRunSubroutes))
	mux.Handle("/api/v1/gates", s.guard(gatePerms, s.handleGates))
	mux.Handle("/api/v1/devices", s.guard(devicePerms, s.handleDevices))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return observe(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) guard(cfg auth.MiddlewareConfig, handler http.HandlerFunc) http.Handler {
	return s.auth.Middleware(cfg)(handler)
}

// handleToken 处理令牌签发请求。
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req auth.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "请求体解析失败")
		return
	}
	pair, err := s.auth.Authenticate(r.Context(), req)
	if err != nil {
		switch {
		case stdErrors.Is(err, auth.ErrDisabled), stdErrors.Is(err, auth.ErrUnsupportedGrant):
			writeError(w, http.StatusBadRequest, "UNSUPPORTED_GRANT", err.Error())
		case stdErrors.Is(err, auth.ErrInvalidCredentials), stdErrors.Is(err, auth.ErrSubjectRevoked):
			writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "用户名或密码错误")
		default:
			writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitRun(w, r)
	case http.MethodGet:
		s.handleListRuns(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

// handleSubmitRun 创建一个新的运行。
func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "运行服务未初始化")
		return
	}
	var req run.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "请求体解析失败")
		return
	}
	record, err := s.runs.Submit(r.Context(), req)
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, record)
}

// handleListRuns 按过滤条件列出运行。
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "运行服务未初始化")
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	records, err := s.runs.List(r.Context(), opts...)
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// handleStats 返回运行统计。
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "运行服务未初始化")
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	stats, err := s.runs.Stats(r.Context(), opts...)
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleRunSubroutes 分发 /api/v1/runs/{id} 及其子资源。
func (s *Server) handleRunSubroutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/runs/")
	if rest == "" || rest == r.URL.Path {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "缺少运行 ID")
		return
	}
	parts := strings.SplitN(rest, "/", 2)
	runID := strings.TrimSpace(parts[0])
	if runID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "缺少运行 ID")
		return
	}
	if len(parts) == 1 {
		s.handleRunDetail(w, r, runID)
		return
	}
	switch strings.Trim(parts[1], "/") {
	case "confirmation":
		s.handleConfirmation(w, r, runID)
	case "takeover":
		s.handleTakeover(w, r, runID)
	case "transcript":
		s.handleTranscript(w, r, runID)
	default:
		http.NotFound(w, r)
	}
}

// handleRunDetail 返回单条运行的状态。
func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "运行服务未初始化")
		return
	}
	record, err := s.runs.Get(r.Context(), runID)
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type confirmationRequest struct {
	Approved bool `json:"approved"`
}

// handleConfirmation 提交敏感动作的确认决策。
func (s *Server) handleConfirmation(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.gates == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "决策登记表未初始化")
		return
	}
	var req confirmationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "请求体解析失败")
		return
	}
	if err := s.gates.ResolveConfirmation(runID, req.Approved); err != nil {
		writeGateError(w, err)
		return
	}
	metrics.ObserveGateDecision("confirmation")
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "approved": req.Approved})
}

// handleTakeover 宣告人工接管完成。
func (s *Server) handleTakeover(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.gates == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "决策登记表未初始化")
		return
	}
	if err := s.gates.ResolveTakeover(runID); err != nil {
		writeGateError(w, err)
		return
	}
	metrics.ObserveGateDecision("takeover")
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "resumed": true})
}

// handleTranscript 返回指定运行的轨迹记录。
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.transcriptDir == "" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "轨迹查询未开启")
		return
	}
	entries, err := transcript.ReadSession(s.transcriptDir, runID)
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "轨迹不存在")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleGates 列出全部挂起的人工决策。
func (s *Server) handleGates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.gates == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "决策登记表未初始化")
		return
	}
	writeJSON(w, http.StatusOK, s.gates.Snapshot())
}

// handleDevices 列出已登记设备及其占用状态。
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.devices == nil {
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "设备管理器未初始化")
		return
	}
	writeJSON(w, http.StatusOK, s.devices.Snapshot())
}

// listOptionsFromQuery 把查询参数转换为列表过滤条件。
func listOptionsFromQuery(r *http.Request) ([]run.ListOption, error) {
	var opts []run.ListOption
	query := r.URL.Query()

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, stdErrors.New("limit 必须是正整数")
		}
		opts = append(opts, run.WithLimit(limit))
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, stdErrors.New("offset 必须是非负整数")
		}
		opts = append(opts, run.WithOffset(offset))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []run.Status
		for _, value := range strings.Split(raw, ",") {
			status := run.Status(strings.TrimSpace(value))
			if !run.IsValidStatus(status) {
				return nil, stdErrors.New("无效的状态过滤值: " + string(status))
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, run.WithStatuses(statuses...))
	}
	if deviceID := query.Get("device_id"); deviceID != "" {
		opts = append(opts, run.WithDeviceID(deviceID))
	}
	if q := query.Get("q"); q != "" {
		opts = append(opts, run.WithQuery(q))
	}
	if order := query.Get("order"); order == "asc" {
		opts = append(opts, run.WithSortOrder(run.SortByUpdatedAsc))
	}
	return opts, nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

// writeRunError 把运行层错误映射为 HTTP 状态码。
func writeRunError(w http.ResponseWriter, err error) {
	switch {
	case stdErrors.Is(err, run.ErrRunNotFound):
		writeError(w, http.StatusNotFound, string(run.CodeRunNotFound), "运行不存在")
	case stdErrors.Is(err, run.ErrRunConflict):
		writeError(w, http.StatusConflict, string(run.CodeRunConflict), "运行已存在或正在处理")
	case xerrors.CodeOf(err) == run.CodeRunValidation:
		writeError(w, http.StatusBadRequest, string(run.CodeRunValidation), err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

// writeGateError 把决策提交错误映射为 HTTP 状态码。
func writeGateError(w http.ResponseWriter, err error) {
	switch {
	case stdErrors.Is(err, run.ErrNoPendingGate):
		writeError(w, http.StatusConflict, string(run.CodeNoPendingGate), "该运行没有等待中的决策")
	case xerrors.CodeOf(err) == xerrors.CodeConflict:
		writeError(w, http.StatusConflict, string(xerrors.CodeConflict), "决策已提交")
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

// observe 为每个请求记录指标。
func observe(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler.ServeHTTP(recorder, r)
		metrics.ObserveHTTPRequest(metricHandlerLabel(r.URL.Path), r.Method, recorder.status, time.Since(start))
	})
}

// metricHandlerLabel 归一化路径，避免每个运行 ID 产生一条时间序列。
func metricHandlerLabel(path string) string {
	if strings.HasPrefix(path, "/api/v1/runs/") {
		rest := strings.TrimPrefix(path, "/api/v1/runs/")
		if idx := strings.Index(rest, "/"); idx >= 0 {
			return "/api/v1/runs/{id}/" + strings.Trim(rest[idx+1:], "/")
		}
		if rest == "stats" {
			return path
		}
		return "/api/v1/runs/{id}"
	}
	return path
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
